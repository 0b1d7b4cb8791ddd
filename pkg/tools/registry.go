package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/store"
)

const (
	scorePenalty = 0.5
	scoreReward  = 0.1
	scoreMin     = 1.0
	scoreMax     = 5.0
)

// ErrToolUnavailable marks tools gated out by their score.
type ErrToolUnavailable struct {
	Name  string
	Score float64
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool unavailable: %s (score %.1f)", e.Name, e.Score)
}

// ScoreStore persists tool scores; satisfied by *store.Store.
type ScoreStore interface {
	GetToolScore(ctx context.Context, name string) (*store.ToolScore, error)
	SaveToolScore(ctx context.Context, name string, score float64, available bool) error
}

// ToolEntry is a registered tool with its scoring state.
type ToolEntry struct {
	Tool          Tool
	Type          string
	ContainerType string
	Score         float64
	Available     bool
}

// Registry keeps every registered tool and applies the scoring contract on
// execution: failures (hard or soft) cost 0.5, successes earn 0.1, scores
// clamp to [1.0, 5.0], and tools below the availability floor are rejected.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ToolEntry
	cfg     *config.ToolsConfig
	scores  ScoreStore
}

func NewRegistry(cfg *config.ToolsConfig, scores ScoreStore) *Registry {
	if cfg == nil {
		cfg = &config.ToolsConfig{}
		cfg.SetDefaults()
	}
	return &Registry{
		entries: make(map[string]*ToolEntry),
		cfg:     cfg,
		scores:  scores,
	}
}

// Register adds a tool under the given type, restoring its persisted score.
func (r *Registry) Register(tool Tool, toolType string) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.GetName()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	entry := &ToolEntry{
		Tool:  tool,
		Type:  toolType,
		Score: r.cfg.DefaultScore,
	}
	if aware, ok := tool.(ContainerAware); ok {
		entry.ContainerType = aware.ContainerType()
	}

	if r.scores != nil {
		if persisted, err := r.scores.GetToolScore(context.Background(), name); err == nil && persisted != nil {
			entry.Score = persisted.Score
		}
	}
	entry.Available = entry.Score >= r.cfg.MinAvailableScore

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool '%s' already registered", name)
	}
	r.entries[name] = entry
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.Tool, true
}

func (r *Registry) GetEntry(name string) (*ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// Remove drops a tool; used when temporary tools expire.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// List returns tool infos, optionally filtered by type, sorted by score
// descending then name.
func (r *Registry) List(toolType string) []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		if toolType != "" && entry.Type != toolType {
			continue
		}
		infos = append(infos, r.describeLocked(entry))
	}
	sortInfos(infos)
	return infos
}

// ListByCategory filters on container type.
func (r *Registry) ListByCategory(category string) []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0)
	for _, entry := range r.entries {
		if entry.ContainerType != category {
			continue
		}
		infos = append(infos, r.describeLocked(entry))
	}
	sortInfos(infos)
	return infos
}

func sortInfos(infos []ToolInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Score != infos[j].Score {
			return infos[i].Score > infos[j].Score
		}
		return infos[i].Name < infos[j].Name
	})
}

func (r *Registry) describeLocked(entry *ToolEntry) ToolInfo {
	info := entry.Tool.GetInfo()
	info.Type = entry.Type
	info.ContainerType = entry.ContainerType
	info.Score = entry.Score
	info.IsAvailable = entry.Available
	return info
}

// Execute runs the tool and applies the scoring contract.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (ToolResult, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.RUnlock()
		return ToolResult{}, fmt.Errorf("tool '%s' not found", name)
	}
	tool := entry.Tool
	available := entry.Available
	score := entry.Score
	r.mu.RUnlock()

	if !available {
		return ToolResult{}, &ErrToolUnavailable{Name: name, Score: score}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	result.ToolName = name
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}

	if err != nil {
		r.adjustScore(ctx, name, -scorePenalty)
		return result, err
	}
	if isSoftFailure(name, result) {
		r.adjustScore(ctx, name, -scorePenalty)
		return result, nil
	}
	r.adjustScore(ctx, name, scoreReward)
	return result, nil
}

// isSoftFailure inspects a non-error result for failure signals.
func isSoftFailure(name string, result ToolResult) bool {
	if !result.Success || result.Error != "" {
		return true
	}
	if output, ok := result.Output.(map[string]any); ok {
		if _, hasErr := output["error"]; hasErr {
			return true
		}
	}

	content := strings.ToLower(result.Content)
	if name == "web_search" && strings.HasPrefix(content, "not found") {
		return true
	}
	for _, keyword := range []string{"execution failed", "tool error", "exception raised"} {
		if strings.Contains(content, keyword) {
			return true
		}
	}
	return false
}

func (r *Registry) adjustScore(ctx context.Context, name string, delta float64) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.Score = clampScore(entry.Score + delta)
	entry.Available = entry.Score >= r.cfg.MinAvailableScore
	score, available := entry.Score, entry.Available
	r.mu.Unlock()

	r.persistScore(ctx, name, score, available)
}

// ResetToolScore restores the default score and availability.
func (r *Registry) ResetToolScore(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tool '%s' not found", name)
	}
	entry.Score = r.cfg.DefaultScore
	entry.Available = entry.Score >= r.cfg.MinAvailableScore
	score, available := entry.Score, entry.Available
	r.mu.Unlock()

	r.persistScore(context.Background(), name, score, available)
	return nil
}

func (r *Registry) persistScore(ctx context.Context, name string, score float64, available bool) {
	if r.scores == nil {
		return
	}
	if err := r.scores.SaveToolScore(ctx, name, score, available); err != nil {
		slog.Warn("failed to persist tool score", "tool", name, "error", err)
	}
}

func clampScore(score float64) float64 {
	if score < scoreMin {
		return scoreMin
	}
	if score > scoreMax {
		return scoreMax
	}
	return score
}
