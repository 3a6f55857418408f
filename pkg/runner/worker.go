// Package runner drains the prefetch rebuild queue so passes can be run out of
// process from the feed API.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/pkg/feed"
	redisstore "github.com/lzyats/core-feed-go/pkg/store/redis"
)

// Queue is the blocking rebuild queue.
type Queue interface {
	Pop(ctx context.Context, block time.Duration) (string, error)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, force bool) (feed.Summary, error)
}

type Worker struct {
	queue   Queue
	sources map[string]Rebuilder
	log     *zap.Logger
	block   time.Duration
}

func NewWorker(q Queue, sources map[string]Rebuilder, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: q, sources: sources, log: log, block: 5 * time.Second}
}

// Run pops requests until ctx is done. Bad payloads and unknown sources are
// logged and dropped.
func (w *Worker) Run(ctx context.Context) error {
	if w.queue == nil {
		return feed.ErrNotConfigured
	}
	w.log.Info("prefetch worker started", zap.Int("sources", len(w.sources)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := w.queue.Pop(ctx, w.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("queue pop error", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == "" {
			continue
		}
		w.handle(ctx, payload)
	}
}

func (w *Worker) handle(ctx context.Context, payload string) {
	req, err := redisstore.DecodeRebuild(payload)
	if err != nil {
		w.log.Warn("decode rebuild request", zap.String("payload", payload), zap.Error(err))
		return
	}
	src, ok := w.sources[req.Source]
	if !ok {
		w.log.Warn("rebuild for unknown source", zap.String("source", req.Source))
		return
	}
	s, err := src.Rebuild(ctx, req.Force)
	switch {
	case errors.Is(err, feed.ErrGuardContention):
		w.log.Info("rebuild skipped, pass in progress", zap.String("source", req.Source))
	case err != nil:
		w.log.Warn("rebuild failed", zap.String("source", req.Source), zap.Error(err))
	default:
		w.log.Info("rebuild done",
			zap.String("source", req.Source),
			zap.Bool("force", req.Force),
			zap.Int("newly_cached", s.NewlyCached),
			zap.Int("failed", s.Failed),
		)
	}
}
