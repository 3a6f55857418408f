package storeiface

import (
	"context"
	"time"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

// TrackerStore persists selection counts. Increments from concurrent writers
// must add up; implementations never overwrite a count.
type TrackerStore interface {
	GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error)
	IncrementBatch(ctx context.Context, ids []string, at time.Time) error
	// Prune drops records for items deleted upstream.
	Prune(ctx context.Context, ids []string) error
}

// BlobStore is the durable key-value store behind prefetch cache entries.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, keys ...string) error
	// Has reports which of keys exist, without loading values.
	Has(ctx context.Context, keys []string) (map[string]bool, error)
}
