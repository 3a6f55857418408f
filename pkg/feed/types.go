package feed

import "time"

type Item struct {
	ID         string            `json:"id"`
	Tier       int               `json:"tier"`
	SourceType string            `json:"sourceType"`
	Source     string            `json:"source,omitempty"`
	Title      string            `json:"title"`
	URL        string            `json:"url,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Priority   int               `json:"priority,omitempty"`
	// Pending marks an item whose content is not materialized yet. It is
	// ordered behind ready items of the same tier.
	Pending    bool              `json:"pending,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Query carries per-source filters from configuration.
type Query struct {
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// ItemRef is a cheap handle on an expensive-source item, enough to decide
// whether it is cached and to materialize it later.
type ItemRef struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// Materialized is the durable prefetch cache entry for one expensive item.
type Materialized struct {
	ItemID   string    `json:"itemId"`
	Title    string    `json:"title"`
	Chapter  string    `json:"chapter,omitempty"`
	Body     string    `json:"body"`
	Source   string    `json:"source"`
	CachedAt time.Time `json:"cachedAt"`
}

type TrackingRecord struct {
	ID    string    `json:"id"`
	Count int64     `json:"count"`
	Last  time.Time `json:"last"`
}

// Batch is what a feed page returns. Cursor is opaque: only its presence
// matters (continue the session) versus absence (start fresh).
type Batch struct {
	Items   []Item `json:"items"`
	HasMore bool   `json:"hasMore"`
	Cursor  string `json:"cursor,omitempty"`
}

type Progress struct {
	Source  string `json:"source"`
	ItemID  string `json:"itemId"`
	Title   string `json:"title"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

type Summary struct {
	Source        string        `json:"source"`
	NewlyCached   int           `json:"newlyCached"`
	AlreadyCached int           `json:"alreadyCached"`
	Failed        int           `json:"failed"`
	Contended     bool          `json:"contended,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
}
