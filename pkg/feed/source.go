package feed

import "context"

// Source is one upstream the feed fans out to. A returned error means
// "no items this pass"; callers never abort on it.
type Source interface {
	Type() string
	FetchItems(ctx context.Context, q Query) ([]Item, error)
}

// Expensive is an upstream whose per-item materialization is slow enough
// that it must be warmed in the background (e.g. chapter text pulled out of
// compressed archives).
type Expensive interface {
	Type() string
	ListCandidates(ctx context.Context, q Query) ([]ItemRef, error)
	Materialize(ctx context.Context, ref ItemRef) (Materialized, error)
}
