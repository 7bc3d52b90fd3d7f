// Package cache provides the redundant read tier that backs the Local Store
// when the transactional tier is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/kimhsiao/posync/internal/errors"
)

// Tier is a best-effort key/value copy of Local Store documents.
type Tier interface {
	Put(ctx context.Context, table, key string, doc json.RawMessage) error
	Get(ctx context.Context, table, key string) (json.RawMessage, error)
	GetAll(ctx context.Context, table string) ([]json.RawMessage, error)
	Delete(ctx context.Context, table, key string) error
	Close() error
}

// MemoryTier keeps documents in process memory.
type MemoryTier struct {
	mu     sync.RWMutex
	tables map[string]map[string]json.RawMessage
}

// NewMemoryTier creates an empty MemoryTier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{tables: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryTier) Put(_ context.Context, table, key string, doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]json.RawMessage)
		m.tables[table] = t
	}
	t[key] = append(json.RawMessage(nil), doc...)
	return nil
}

func (m *MemoryTier) Get(_ context.Context, table, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.tables[table][key]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "not cached: "+table+"/"+key)
	}
	return doc, nil
}

// GetAll returns the cached documents of table ordered by key.
func (m *MemoryTier) GetAll(_ context.Context, table string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, t[k])
	}
	return docs, nil
}

func (m *MemoryTier) Delete(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

func (m *MemoryTier) Close() error {
	return nil
}
