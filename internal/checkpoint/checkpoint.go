// Package checkpoint persists finished stage outputs so that a retried job
// resumes after the last stage it completed.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Store saves and restores stage outputs per job.
type Store interface {
	// Save records the output of stage for jobID.
	Save(ctx context.Context, jobID, stage string, v any) error
	// Load decodes the saved output into v. It reports false when the stage
	// has no checkpoint.
	Load(ctx context.Context, jobID, stage string, v any) (bool, error)
	// Clear drops every checkpoint of jobID.
	Clear(ctx context.Context, jobID string) error
}

const keyPrefix = "ckpt:"

func jobPrefix(jobID string) string {
	return keyPrefix + jobID + ":"
}

func key(jobID, stage string) string {
	return jobPrefix(jobID) + stage
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, jobID, stage string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s checkpoint: %w", stage, err)
	}
	m.mu.Lock()
	m.data[key(jobID, stage)] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, jobID, stage string, v any) (bool, error) {
	m.mu.RLock()
	data, ok := m.data[key(jobID, stage)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s checkpoint: %w", stage, err)
	}
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context, jobID string) error {
	prefix := jobPrefix(jobID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}
