package storeiface

import (
	"context"
	"sync"
	"time"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

// MemoryStore is an in-process TrackerStore and BlobStore. Nothing survives a
// restart; use it for tests and single-node development.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]feed.TrackingRecord
	blobs  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts: make(map[string]feed.TrackingRecord),
		blobs:  make(map[string][]byte),
	}
}

func (m *MemoryStore) GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]feed.TrackingRecord, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) IncrementBatch(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		rec := m.counts[id]
		rec.ID = id
		rec.Count++
		rec.Last = at
		m.counts[id] = rec
	}
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.counts, id)
	}
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Write(ctx context.Context, key string, val []byte) error {
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), val...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.blobs, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, keys []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := m.blobs[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}
