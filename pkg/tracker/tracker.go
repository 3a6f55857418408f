// Package tracker counts how often each item was served. Counts feed the
// tie-break in tier ordering; losing them only degrades fairness, never the
// feed itself.
package tracker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

type Tracker struct {
	store   storeiface.TrackerStore
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(store storeiface.TrackerStore, opts Options) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{store: store, log: opts.Logger, timeout: opts.Timeout, now: opts.Now}
}

// Counts returns id -> count. When the store is unreachable it logs and
// returns an empty map, so every item is treated as never shown.
func (t *Tracker) Counts(ctx context.Context) map[string]int64 {
	all, err := t.GetAll(ctx)
	if err != nil {
		t.log.Warn("tracking read failed, tie-break degrades to zero counts", zap.Error(err))
		return map[string]int64{}
	}
	out := make(map[string]int64, len(all))
	for id, rec := range all {
		out[id] = rec.Count
	}
	return out
}

func (t *Tracker) GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	all, err := t.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrTrackingUnavailable, err)
	}
	return all, nil
}

// Record increments every distinct id once, in a single store call.
func (t *Tracker) Record(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.store.IncrementBatch(ctx, uniq, t.now()); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTrackingUnavailable, err)
	}
	return nil
}

func (t *Tracker) Prune(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.store.Prune(ctx, ids); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTrackingUnavailable, err)
	}
	return nil
}
