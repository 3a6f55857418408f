package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

const (
	PrefetchSummary = "prefetch.summary"
	PrefetchRebuild = "prefetch.rebuild"
)

// PrefetchEvent is the MQ envelope for prefetch outcomes. Treat it as a
// contract; version it when breaking changes are required.
type PrefetchEvent struct {
	Event   string            `json:"event"`
	TraceID string            `json:"trace_id"`
	TS      int64             `json:"ts"` // unix seconds
	Source  string            `json:"source"`
	Summary *feed.Summary     `json:"summary,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func FromSummary(s feed.Summary) *PrefetchEvent {
	return &PrefetchEvent{
		Event:   PrefetchSummary,
		TraceID: uuid.NewString(),
		TS:      time.Now().Unix(),
		Source:  s.Source,
		Summary: &s,
	}
}
