package pipeline

import (
	"encoding/json"
	"fmt"
)

// frontendHistoryLimit caps the history slice handed to clients.
const frontendHistoryLimit = 50

// Snapshot is the serialized pipeline state.
type Snapshot struct {
	PipelineID string                                           `json:"pipeline_id"`
	Data       map[string]map[string]any                        `json:"data"`
	Data3D     map[string]map[string]map[string]map[string]any  `json:"data_3d,omitempty"`
	Files      map[string]FileRef                               `json:"files,omitempty"`
	History    []HistoryEntry                                   `json:"history,omitempty"`
}

// Export returns the full serializable state.
func (p *Pipeline) Export() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := Snapshot{
		PipelineID: p.id,
		Data:       make(map[string]map[string]any, len(p.data)),
		Data3D:     make(map[string]map[string]map[string]map[string]any, len(p.data3D)),
		Files:      make(map[string]FileRef, len(p.files)),
		History:    make([]HistoryEntry, len(p.history)),
	}
	for ns, bucket := range p.data {
		copied := make(map[string]any, len(bucket))
		for k, v := range bucket {
			copied[k] = v
		}
		snapshot.Data[ns] = copied
	}
	for user, byTopic := range p.data3D {
		topics := make(map[string]map[string]map[string]any, len(byTopic))
		for topic, byAgent := range byTopic {
			agents := make(map[string]map[string]any, len(byAgent))
			for agent, bucket := range byAgent {
				copied := make(map[string]any, len(bucket))
				for k, v := range bucket {
					copied[k] = v
				}
				agents[agent] = copied
			}
			topics[topic] = agents
		}
		snapshot.Data3D[user] = topics
	}
	for k, v := range p.files {
		snapshot.Files[k] = v
	}
	copy(snapshot.History, p.history)
	return snapshot
}

// MarshalSnapshot serializes the pipeline for persistence.
func (p *Pipeline) MarshalSnapshot() (string, error) {
	data, err := json.Marshal(p.Export())
	if err != nil {
		return "", fmt.Errorf("failed to marshal pipeline snapshot: %w", err)
	}
	return string(data), nil
}

// ImportData replaces the pipeline state with a snapshot. Snapshots missing
// data_3d or files are accepted and defaulted.
func (p *Pipeline) ImportData(snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snapshot.PipelineID != "" {
		p.id = snapshot.PipelineID
	}
	p.data = snapshot.Data
	if p.data == nil {
		p.data = make(map[string]map[string]any)
	}
	p.data3D = snapshot.Data3D
	if p.data3D == nil {
		p.data3D = make(map[string]map[string]map[string]map[string]any)
	}
	p.files = snapshot.Files
	if p.files == nil {
		p.files = make(map[string]FileRef)
	}
	p.history = snapshot.History
	if len(p.history) > maxHistory {
		p.history = p.history[len(p.history)-maxHistory:]
	}
}

// Restore parses a persisted snapshot and loads it. A corrupt snapshot is an
// error; callers treat it as "no snapshot" and start fresh.
func Restore(raw string) (*Pipeline, error) {
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline snapshot: %w", err)
	}
	p := New()
	p.ImportData(snapshot)
	return p, nil
}

// ExportForFrontend returns a client-safe view: only JSON-serializable
// values, history truncated to the most recent entries.
func (p *Pipeline) ExportForFrontend() map[string]any {
	snapshot := p.Export()

	data := make(map[string]map[string]any, len(snapshot.Data))
	for ns, bucket := range snapshot.Data {
		copied := make(map[string]any, len(bucket))
		for k, v := range bucket {
			if isSerializable(v) {
				copied[k] = v
			}
		}
		data[ns] = copied
	}

	history := snapshot.History
	if len(history) > frontendHistoryLimit {
		history = history[len(history)-frontendHistoryLimit:]
	}

	return map[string]any{
		"pipeline_id": snapshot.PipelineID,
		"data":        data,
		"data_3d":     snapshot.Data3D,
		"files":       snapshot.Files,
		"history":     history,
	}
}

func isSerializable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}
