package config

import "fmt"

// RetrievalConfig configures knowledge-base ingestion and hybrid retrieval.
type RetrievalConfig struct {
	// ChunkStrategy selects the chunker: "hierarchical", "semantic",
	// "sentence", "fixed".
	ChunkStrategy string `yaml:"chunk_strategy"`

	// ChunkSize is the target chunk size in characters.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the overlap between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// MinChunkSize merges smaller chunks into the previous one.
	MinChunkSize int `yaml:"min_chunk_size"`

	// MaxChunkSize re-splits oversized chunks by sliding window.
	MaxChunkSize int `yaml:"max_chunk_size"`

	// UseLLMMerge enables LLM-assisted chunk merging.
	UseLLMMerge bool `yaml:"use_llm_merge"`

	// TopK is the per-route recall depth.
	TopK int `yaml:"top_k"`

	// SimilarityThreshold filters vector hits.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// SimilarityThresholdMin is the relaxation floor when fewer than TopK
	// hits survive the primary threshold.
	SimilarityThresholdMin float64 `yaml:"similarity_threshold_min"`

	// RerankerEnabled toggles the cross-encoder reranker.
	RerankerEnabled bool `yaml:"reranker_enabled"`

	// RerankerURL is the cross-encoder scoring endpoint.
	RerankerURL string `yaml:"reranker_url,omitempty"`

	// RerankerAfterTopN is the candidate pool passed to the reranker.
	RerankerAfterTopN int `yaml:"reranker_after_top_n"`

	// RerankerTopK is the number of reranked results kept.
	RerankerTopK int `yaml:"reranker_top_k"`

	// QueryDecomposeEnabled toggles LLM query decomposition.
	QueryDecomposeEnabled bool `yaml:"llm_query_decompose_enabled"`

	// MultiRouteRecallEnabled toggles the keyword route.
	MultiRouteRecallEnabled bool `yaml:"multi_route_recall_enabled"`

	// SubQueryWorkers bounds concurrent sub-term vector searches.
	SubQueryWorkers int `yaml:"sub_query_workers"`

	// DomainClassifyEnabled stamps an LLM-detected domain on chunks.
	DomainClassifyEnabled bool `yaml:"domain_classify_enabled"`

	// SummaryChunksEnabled generates extractive summary chunks.
	SummaryChunksEnabled bool `yaml:"summary_chunks_enabled"`

	// ExtractTriplesEnabled queues documents for triple extraction.
	ExtractTriplesEnabled bool `yaml:"extract_triples_enabled"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.ChunkStrategy == "" {
		c.ChunkStrategy = "hierarchical"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 500
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = 50
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 1000
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.5
	}
	if c.SimilarityThresholdMin == 0 {
		c.SimilarityThresholdMin = 0.3
	}
	if c.RerankerAfterTopN == 0 {
		c.RerankerAfterTopN = 10
	}
	if c.RerankerTopK == 0 {
		c.RerankerTopK = 5
	}
	if c.SubQueryWorkers == 0 {
		c.SubQueryWorkers = 3
	}
}

func (c *RetrievalConfig) ApplyEnvOverrides() {
	envString("CHUNK_STRATEGY", &c.ChunkStrategy)
	envBool("USE_LLM_MERGE", &c.UseLLMMerge)
	envBool("RERANKER_ENABLED", &c.RerankerEnabled)
	envInt("RERANKER_AFTER_TOP_N", &c.RerankerAfterTopN)
	envInt("RERANKER_TOP_K", &c.RerankerTopK)
	envFloat("SIMILARITY_THRESHOLD", &c.SimilarityThreshold)
	envFloat("SIMILARITY_THRESHOLD_MIN", &c.SimilarityThresholdMin)
	envBool("LLM_QUERY_DECOMPOSE_ENABLED", &c.QueryDecomposeEnabled)
	envBool("MULTI_ROUTE_RECALL_ENABLED", &c.MultiRouteRecallEnabled)
	envBool("DOMAIN_CLASSIFY_ENABLED", &c.DomainClassifyEnabled)
	envBool("SUMMARY_CHUNKS_ENABLED", &c.SummaryChunksEnabled)
	envBool("EXTRACT_TRIPLES_ENABLED", &c.ExtractTriplesEnabled)
}

func (c *RetrievalConfig) Validate() error {
	switch c.ChunkStrategy {
	case "hierarchical", "semantic", "sentence", "fixed":
	default:
		return fmt.Errorf("unsupported chunk strategy: %s", c.ChunkStrategy)
	}
	if c.MinChunkSize > c.MaxChunkSize {
		return fmt.Errorf("min_chunk_size %d exceeds max_chunk_size %d", c.MinChunkSize, c.MaxChunkSize)
	}
	if c.SimilarityThresholdMin > c.SimilarityThreshold {
		return fmt.Errorf("similarity_threshold_min %v exceeds similarity_threshold %v",
			c.SimilarityThresholdMin, c.SimilarityThreshold)
	}
	return nil
}

// GraphConfig configures knowledge-graph extraction and query.
type GraphConfig struct {
	// Enabled toggles graph-enhanced retrieval.
	Enabled bool `yaml:"enabled"`

	// ExtractEnabled toggles triple extraction during ingestion.
	ExtractEnabled bool `yaml:"extract_enabled"`

	// ExtractMode: "llm", "rule", "hybrid", "model", "ner_rule".
	ExtractMode string `yaml:"extract_mode"`

	// DynamicRulesEnabled generates per-document rules via LLM.
	DynamicRulesEnabled bool `yaml:"dynamic_rules_enabled"`

	// SampleTextLength is the document sample size for rule generation.
	SampleTextLength int `yaml:"sample_text_length"`

	// SampleMethod: "head", "random", "mixed".
	SampleMethod string `yaml:"sample_method"`

	// DynamicRulesRetryCount caps rule-generation retries.
	DynamicRulesRetryCount int `yaml:"dynamic_rules_retry_count"`

	// DynamicRulesRetryDelay in seconds between retries.
	DynamicRulesRetryDelay int `yaml:"dynamic_rules_retry_delay"`

	// MultiHopMaxHops bounds multi-hop expansion.
	MultiHopMaxHops int `yaml:"multi_hop_max_hops"`

	// Workers bounds the process-global extraction pool.
	Workers int `yaml:"workers"`

	// NERServiceURL is the information-extraction model endpoint.
	NERServiceURL string `yaml:"ner_service_url,omitempty"`

	// CallTimeout in seconds for LLM analysis and extraction calls.
	CallTimeout int `yaml:"call_timeout"`
}

func (c *GraphConfig) SetDefaults() {
	if c.ExtractMode == "" {
		c.ExtractMode = "ner_rule"
	}
	if c.SampleTextLength == 0 {
		c.SampleTextLength = 2000
	}
	if c.SampleMethod == "" {
		c.SampleMethod = "mixed"
	}
	if c.DynamicRulesRetryCount == 0 {
		c.DynamicRulesRetryCount = 3
	}
	if c.DynamicRulesRetryDelay == 0 {
		c.DynamicRulesRetryDelay = 1
	}
	if c.MultiHopMaxHops == 0 {
		c.MultiHopMaxHops = 3
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30
	}
}

func (c *GraphConfig) ApplyEnvOverrides() {
	envBool("KNOWLEDGE_GRAPH_ENABLED", &c.Enabled)
	envBool("KG_EXTRACT_ENABLED", &c.ExtractEnabled)
	envString("KG_EXTRACT_MODE", &c.ExtractMode)
	envBool("KG_DYNAMIC_RULES_ENABLED", &c.DynamicRulesEnabled)
	envInt("KG_SAMPLE_TEXT_LENGTH", &c.SampleTextLength)
	envString("KG_SAMPLE_METHOD", &c.SampleMethod)
	envInt("KG_DYNAMIC_RULES_RETRY_COUNT", &c.DynamicRulesRetryCount)
	envInt("KG_DYNAMIC_RULES_RETRY_DELAY", &c.DynamicRulesRetryDelay)
	envInt("MULTI_HOP_MAX_HOPS", &c.MultiHopMaxHops)
}

func (c *GraphConfig) Validate() error {
	switch c.ExtractMode {
	case "llm", "rule", "hybrid", "model", "ner_rule":
	default:
		return fmt.Errorf("unsupported extract mode: %s", c.ExtractMode)
	}
	switch c.SampleMethod {
	case "head", "random", "mixed":
	default:
		return fmt.Errorf("unsupported sample method: %s", c.SampleMethod)
	}
	if c.MultiHopMaxHops < 0 {
		return fmt.Errorf("multi_hop_max_hops cannot be negative")
	}
	return nil
}
