// Package pipeline is the per-conversation working memory. A Pipeline holds
// a namespace key-value store for transient flow state, a three-dimensional
// (user, topic, agent) store for contextual knowledge, a file registry, and
// a bounded mutation history. It lives for the duration of one request and
// round-trips through snapshots between requests.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/store"
)

const (
	DefaultUserID  = "default_user"
	DefaultTopicID = "general"
	DefaultAgentID = "default_agent"

	// maxHistory bounds the mutation log.
	maxHistory = 1000
)

// Well-known namespaces.
const (
	NamespaceGlobal    = "global"
	NamespaceFlowState = "flow_state"
	NamespaceNodes     = "nodes"
)

// Dims addresses the three-dimensional store.
type Dims struct {
	UserID  string
	TopicID string
	AgentID string
}

func (d Dims) withDefaults() Dims {
	if d.UserID == "" {
		d.UserID = DefaultUserID
	}
	if d.TopicID == "" {
		d.TopicID = DefaultTopicID
	}
	if d.AgentID == "" {
		d.AgentID = DefaultAgentID
	}
	return d
}

// DimsFromContext extracts dimensions from a request context map.
func DimsFromContext(ctx map[string]any) Dims {
	dims := Dims{}
	if v, ok := ctx["user_id"].(string); ok {
		dims.UserID = v
	}
	if v, ok := ctx["topic_id"].(string); ok {
		dims.TopicID = v
	} else if v, ok := ctx["session_id"].(string); ok && v != "" {
		dims.TopicID = v
	}
	if v, ok := ctx["agent_name"].(string); ok {
		dims.AgentID = v
	}
	return dims.withDefaults()
}

// FileRef describes a file the conversation produced or referenced.
type FileRef struct {
	Path     string         `json:"path"`
	Type     string         `json:"type,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryEntry records one mutation.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Namespace string    `json:"namespace,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	TopicID   string    `json:"topic_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Key       string    `json:"key"`
	OldValue  any       `json:"old_value,omitempty"`
	NewValue  any       `json:"new_value,omitempty"`
}

// MemoryStore persists durable memories; satisfied by *store.Store.
type MemoryStore interface {
	SaveMemory(ctx context.Context, record *store.MemoryRecord) error
	SearchMemories(ctx context.Context, userID, agentID, term string, limit int) ([]*store.MemoryRecord, error)
}

// Pipeline is the conversation context store. Safe for concurrent use.
type Pipeline struct {
	mu       sync.RWMutex
	id       string
	data     map[string]map[string]any
	data3D   map[string]map[string]map[string]map[string]any
	files    map[string]FileRef
	history  []HistoryEntry
	memories MemoryStore
}

func New() *Pipeline {
	return &Pipeline{
		id:     uuid.NewString(),
		data:   make(map[string]map[string]any),
		data3D: make(map[string]map[string]map[string]map[string]any),
		files:  make(map[string]FileRef),
	}
}

// WithMemoryStore enables durable write-through for memory helpers.
func (p *Pipeline) WithMemoryStore(memories MemoryStore) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memories = memories
	return p
}

func (p *Pipeline) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Put writes into a namespace and records the mutation.
func (p *Pipeline) Put(namespace, key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, ok := p.data[namespace]
	if !ok {
		bucket = make(map[string]any)
		p.data[namespace] = bucket
	}
	old, existed := bucket[key]
	bucket[key] = value

	entry := HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    "put",
		Namespace: namespace,
		Key:       key,
		NewValue:  value,
	}
	if existed {
		entry.OldValue = old
	}
	p.appendHistoryLocked(entry)
}

func (p *Pipeline) Get(namespace, key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket, ok := p.data[namespace]
	if !ok {
		return nil, false
	}
	value, ok := bucket[key]
	return value, ok
}

func (p *Pipeline) Has(namespace, key string) bool {
	_, ok := p.Get(namespace, key)
	return ok
}

func (p *Pipeline) Delete(namespace, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.data[namespace]
	if !ok {
		return
	}
	old, existed := bucket[key]
	if !existed {
		return
	}
	delete(bucket, key)
	p.appendHistoryLocked(HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    "delete",
		Namespace: namespace,
		Key:       key,
		OldValue:  old,
	})
}

// Namespace returns a copy of one namespace bucket.
func (p *Pipeline) Namespace(namespace string) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket, ok := p.data[namespace]
	if !ok {
		return map[string]any{}
	}
	copied := make(map[string]any, len(bucket))
	for k, v := range bucket {
		copied[k] = v
	}
	return copied
}

// Put3D writes into the (user, topic, agent) store.
func (p *Pipeline) Put3D(dims Dims, key string, value any) {
	dims = dims.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.bucket3DLocked(dims, true)
	old, existed := bucket[key]
	bucket[key] = value

	entry := HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    "put",
		UserID:    dims.UserID,
		TopicID:   dims.TopicID,
		AgentID:   dims.AgentID,
		Key:       key,
		NewValue:  value,
	}
	if existed {
		entry.OldValue = old
	}
	p.appendHistoryLocked(entry)
}

func (p *Pipeline) Get3D(dims Dims, key string) (any, bool) {
	dims = dims.withDefaults()
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket := p.bucket3DLocked(dims, false)
	if bucket == nil {
		return nil, false
	}
	value, ok := bucket[key]
	return value, ok
}

func (p *Pipeline) Has3D(dims Dims, key string) bool {
	_, ok := p.Get3D(dims, key)
	return ok
}

func (p *Pipeline) Delete3D(dims Dims, key string) {
	dims = dims.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.bucket3DLocked(dims, false)
	if bucket == nil {
		return
	}
	old, existed := bucket[key]
	if !existed {
		return
	}
	delete(bucket, key)
	p.appendHistoryLocked(HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    "delete",
		UserID:    dims.UserID,
		TopicID:   dims.TopicID,
		AgentID:   dims.AgentID,
		Key:       key,
		OldValue:  old,
	})
}

// Keys3D lists the keys stored under one dimension triple.
func (p *Pipeline) Keys3D(dims Dims) []string {
	dims = dims.withDefaults()
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket := p.bucket3DLocked(dims, false)
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys
}

// Topics lists the topic ids a user has data under.
func (p *Pipeline) Topics(userID string) []string {
	if userID == "" {
		userID = DefaultUserID
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	topics := make([]string, 0, len(p.data3D[userID]))
	for topic := range p.data3D[userID] {
		topics = append(topics, topic)
	}
	return topics
}

func (p *Pipeline) bucket3DLocked(dims Dims, create bool) map[string]any {
	byTopic, ok := p.data3D[dims.UserID]
	if !ok {
		if !create {
			return nil
		}
		byTopic = make(map[string]map[string]map[string]any)
		p.data3D[dims.UserID] = byTopic
	}
	byAgent, ok := byTopic[dims.TopicID]
	if !ok {
		if !create {
			return nil
		}
		byAgent = make(map[string]map[string]any)
		byTopic[dims.TopicID] = byAgent
	}
	bucket, ok := byAgent[dims.AgentID]
	if !ok {
		if !create {
			return nil
		}
		bucket = make(map[string]any)
		byAgent[dims.AgentID] = bucket
	}
	return bucket
}

// PutFile registers a file reference.
func (p *Pipeline) PutFile(key string, ref FileRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[key] = ref
	p.appendHistoryLocked(HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    "put_file",
		Key:       key,
		NewValue:  ref.Path,
	})
}

func (p *Pipeline) GetFile(key string) (FileRef, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ref, ok := p.files[key]
	return ref, ok
}

func (p *Pipeline) Files() map[string]FileRef {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copied := make(map[string]FileRef, len(p.files))
	for k, v := range p.files {
		copied[k] = v
	}
	return copied
}

// History returns a copy of the mutation log.
func (p *Pipeline) History() []HistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copied := make([]HistoryEntry, len(p.history))
	copy(copied, p.history)
	return copied
}

func (p *Pipeline) appendHistoryLocked(entry HistoryEntry) {
	p.history = append(p.history, entry)
	if len(p.history) > maxHistory {
		p.history = p.history[len(p.history)-maxHistory:]
	}
}

func dialogKey(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
