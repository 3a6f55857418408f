// Package assembler builds feed pages: it fans out to every source through a
// stale-while-revalidate cache, removes what the session already saw, fills
// the page from tiered sources and then pads it from padding-eligible ones.
package assembler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzyats/core-feed-go/pkg/cursor"
	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/swr"
	"github.com/lzyats/core-feed-go/pkg/tier"
)

// Binding attaches a source to its place in the feed.
type Binding struct {
	Name    string
	Source  feed.Source
	Tier    int
	Padding bool
	Query   feed.Query
	Timeout time.Duration
}

// Tracker is the selection-count collaborator. Counts must not fail; it
// degrades to an empty map on its own.
type Tracker interface {
	Counts(ctx context.Context) map[string]int64
	Record(ctx context.Context, ids []string) error
}

// Observer receives engine events (metrics).
type Observer interface {
	SourceFailed(source string, err error)
	BatchServed(primary, padding int)
	TrackingFailed(err error)
	Revalidated(source string, err error)
}

type nopObserver struct{}

func (nopObserver) SourceFailed(string, error) {}
func (nopObserver) BatchServed(int, int)       {}
func (nopObserver) TrackingFailed(error)       {}
func (nopObserver) Revalidated(string, error)  {}

type Options struct {
	Rules        tier.Rules
	DefaultSize  int
	MaxSize      int
	FetchTimeout time.Duration
	FreshFor     time.Duration
	MaxSessions  int
	Logger       *zap.Logger
	Observer     Observer
	// Shuffle orders the padding pass; defaults to math/rand/v2.
	Shuffle   func(n int, swap func(i, j int))
	NewCursor func() (string, error)
}

func (o Options) withDefaults() Options {
	if o.DefaultSize <= 0 {
		o.DefaultSize = 20
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 100
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.FreshFor <= 0 {
		o.FreshFor = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Shuffle == nil {
		o.Shuffle = rand.Shuffle
	}
	if o.NewCursor == nil {
		if g, err := cursor.New(); err == nil {
			o.NewCursor = g.Next
		} else {
			o.NewCursor = func() (string, error) { return "", err }
		}
	}
	return o
}

type Engine struct {
	bindings []Binding
	tracker  Tracker
	opts     Options
	log      *zap.Logger

	cache *swr.Cache[[]feed.Item]
	seen  *SeenRegistry
}

// New validates bindings against the tier rules. A non-padding source whose
// tier has no rule could never be served, so it is a configuration error.
func New(bindings []Binding, tracker Tracker, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: no sources", feed.ErrConfigurationInvalid)
	}
	tiers := make(map[int]bool, len(opts.Rules.Tiers))
	for _, r := range opts.Rules.Tiers {
		tiers[r.Tier] = true
	}
	names := make(map[string]bool, len(bindings))
	ordered := make([]Binding, 0, len(bindings))
	// primary sources first so an id present in both kinds counts as primary
	for _, padding := range []bool{false, true} {
		for _, b := range bindings {
			if b.Padding != padding {
				continue
			}
			if b.Name == "" {
				b.Name = b.Source.Type()
			}
			if names[b.Name] {
				return nil, fmt.Errorf("%w: duplicate source %q", feed.ErrConfigurationInvalid, b.Name)
			}
			names[b.Name] = true
			if !b.Padding && !tiers[b.Tier] {
				return nil, fmt.Errorf("%w: source %q: tier %d has no rule", feed.ErrConfigurationInvalid, b.Name, b.Tier)
			}
			if b.Timeout <= 0 {
				b.Timeout = opts.FetchTimeout
			}
			ordered = append(ordered, b)
		}
	}

	e := &Engine{
		bindings: ordered,
		tracker:  tracker,
		opts:     opts,
		log:      opts.Logger,
		seen:     NewSeenRegistry(opts.MaxSessions),
	}
	e.cache = swr.New[[]feed.Item](swr.Options{
		FreshFor:     opts.FreshFor,
		Timeout:      opts.FetchTimeout,
		Logger:       opts.Logger,
		OnRevalidate: opts.Observer.Revalidated,
	})
	return e, nil
}

// GetBatch serves one page for session. An empty token starts a fresh
// scroll. Source and tracking failures only shrink the page; the only error
// returned is for an empty session.
func (e *Engine) GetBatch(ctx context.Context, session, token string, size int) (feed.Batch, error) {
	if session == "" {
		return feed.Batch{}, feed.ErrInvalidArgument
	}
	if size <= 0 {
		size = e.opts.DefaultSize
	}
	if size > e.opts.MaxSize {
		size = e.opts.MaxSize
	}
	if token == "" {
		e.seen.Clear(session)
	}

	pooled := e.fanOut(ctx)
	counts := map[string]int64{}
	if e.tracker != nil {
		counts = e.tracker.Counts(ctx)
	}

	set := e.seen.get(session)
	set.mu.Lock()
	primaryPool, paddingPool := e.split(pooled, set)
	primary := tier.Select(primaryPool, e.opts.Rules, counts, size)
	padding := e.pad(paddingPool, size-len(primary))
	items := make([]feed.Item, 0, len(primary)+len(padding))
	items = append(items, primary...)
	items = append(items, padding...)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		set.ids[it.ID] = struct{}{}
	}
	set.mu.Unlock()

	if e.tracker != nil && len(ids) > 0 {
		if err := e.tracker.Record(ctx, ids); err != nil {
			e.opts.Observer.TrackingFailed(err)
			e.log.Warn("selection tracking failed", zap.String("session", session), zap.Int("items", len(ids)), zap.Error(err))
		}
	}
	e.opts.Observer.BatchServed(len(primary), len(padding))

	out := feed.Batch{
		Items:   items,
		HasMore: len(primaryPool) > len(primary),
	}
	if len(items) > 0 || token != "" {
		next, err := e.opts.NewCursor()
		if err != nil || next == "" {
			e.log.Warn("cursor mint failed, echoing previous", zap.Error(err))
			next = token
		}
		if next == "" {
			next = strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		out.Cursor = next
	}
	return out, nil
}

type sourceItems struct {
	binding Binding
	items   []feed.Item
}

// fanOut queries every binding concurrently through the SWR cache. A failed
// or timed-out source contributes nothing.
func (e *Engine) fanOut(ctx context.Context) []sourceItems {
	out := make([]sourceItems, len(e.bindings))
	var g errgroup.Group
	for i, b := range e.bindings {
		out[i].binding = b
		g.Go(func() error {
			items, err := e.cache.Get(ctx, b.Name, func(fctx context.Context) ([]feed.Item, error) {
				fctx, cancel := context.WithTimeout(fctx, b.Timeout)
				defer cancel()
				items, err := b.Source.FetchItems(fctx, b.Query)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", feed.ErrSourceUnavailable, b.Name, err)
				}
				return e.stamp(b, items), nil
			})
			if err != nil {
				e.opts.Observer.SourceFailed(b.Name, err)
				e.log.Warn("source fetch failed", zap.String("source", b.Name), zap.Error(err))
				return nil
			}
			out[i].items = items
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// stamp assigns the binding's tier and name to what the source returned.
func (e *Engine) stamp(b Binding, items []feed.Item) []feed.Item {
	out := make([]feed.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		it.Tier = b.Tier
		it.Source = b.Name
		if it.SourceType == "" {
			it.SourceType = b.Source.Type()
		}
		out = append(out, it)
	}
	return out
}

// split removes seen and duplicate ids and separates primary from padding
// items. Caller holds set.mu.
func (e *Engine) split(pooled []sourceItems, set *seenSet) (primary, padding []feed.Item) {
	dup := make(map[string]struct{})
	for _, si := range pooled {
		for _, it := range si.items {
			if set.has(it.ID) {
				continue
			}
			if _, ok := dup[it.ID]; ok {
				continue
			}
			dup[it.ID] = struct{}{}
			if si.binding.Padding {
				padding = append(padding, it)
			} else {
				primary = append(primary, it)
			}
		}
	}
	return primary, padding
}

// pad fills n leftover slots with shuffled padding items, ready ones first.
func (e *Engine) pad(pool []feed.Item, n int) []feed.Item {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	shuffled := append([]feed.Item(nil), pool...)
	e.opts.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	sort.SliceStable(shuffled, func(i, j int) bool { return !shuffled[i].Pending && shuffled[j].Pending })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// Reset forgets a session's seen set.
func (e *Engine) Reset(session string) { e.seen.Drop(session) }

// Invalidate drops the cached items of one source; the next page refetches.
func (e *Engine) Invalidate(source string) { e.cache.Invalidate(source) }

func (e *Engine) Sources() []Binding {
	return append([]Binding(nil), e.bindings...)
}

// Sessions reports how many scroll sessions are held in memory.
func (e *Engine) Sessions() int { return e.seen.Len() }

// Wait blocks until background source revalidations finish.
func (e *Engine) Wait() { e.cache.Wait() }
