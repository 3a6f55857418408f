// Package prefetch keeps an expensive source pre-materialized. Requests are
// served cached-first; whatever is not cached yet is extracted in the
// background, one item at a time, under a per-source run guard.
package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

// Publisher receives the terminal summary of every pass.
type Publisher interface {
	PublishSummary(ctx context.Context, s feed.Summary) error
}

// Observer receives per-item and per-pass events (metrics).
type Observer interface {
	ItemDone(source, result string)
	Contended(source string)
}

const (
	ResultCached  = "cached"
	ResultAlready = "already_cached"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

type nopObserver struct{}

func (nopObserver) ItemDone(string, string) {}
func (nopObserver) Contended(string)        {}

type Options struct {
	// Name scopes log lines and summaries; defaults to the source type.
	Name         string
	Query        feed.Query
	ItemTimeout  time.Duration
	InitialDelay time.Duration
	Interval     time.Duration
	// Limiter paces sequential extractions against the upstream.
	Limiter   *rate.Limiter
	Logger    *zap.Logger
	Publisher Publisher
	Observer  Observer
	// OnProgress receives progress of background and timer passes.
	OnProgress func(feed.Progress)
	// OnUpdated is called after a pass cached at least one new item.
	OnUpdated func()
	// Dispatch runs fire-and-forget work; defaults to a goroutine.
	Dispatch func(func())
	Now      func() time.Time
}

func (o Options) withDefaults(src feed.Expensive) Options {
	if o.Name == "" {
		o.Name = src.Type()
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 60 * time.Second
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 30 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Dispatch == nil {
		o.Dispatch = func(f func()) { go f() }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Manager struct {
	src   feed.Expensive
	store storeiface.BlobStore
	guard Guard
	opts  Options
	log   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(src feed.Expensive, store storeiface.BlobStore, opts Options) *Manager {
	opts = opts.withDefaults(src)
	return &Manager{
		src:   src,
		store: store,
		opts:  opts,
		log:   opts.Logger.With(zap.String("source", opts.Name)),
		stop:  make(chan struct{}),
	}
}

type PrefetchOptions struct {
	Force      bool
	OnProgress func(feed.Progress)
}

func (m *Manager) Name() string { return m.opts.Name }

func (m *Manager) Type() string { return m.src.Type() }

// Running reports whether a population pass holds the guard.
func (m *Manager) Running() bool { return m.guard.Held() }

// FetchItems lets the feed consume the manager like any other source.
func (m *Manager) FetchItems(ctx context.Context, q feed.Query) ([]feed.Item, error) {
	refs, err := m.src.ListCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	return m.BuildBatchForFeed(ctx, refs, q), nil
}

func key(id string) string { return "prefetch:" + id }

// BuildBatchForFeed orders refs cached-first. When nothing is cached it
// extracts exactly one item inline so the first reader gets content, then
// hands the remaining uncached refs to a background pass.
func (m *Manager) BuildBatchForFeed(ctx context.Context, refs []feed.ItemRef, q feed.Query) []feed.Item {
	if len(refs) == 0 {
		return nil
	}
	has, err := m.cachedSet(ctx, refs)
	if err != nil {
		m.log.Warn("prefetch cache lookup failed, treating all as uncached", zap.Error(err))
		has = map[string]bool{}
	}

	var cached, uncached []feed.ItemRef
	for _, ref := range refs {
		if has[key(ref.ID)] {
			cached = append(cached, ref)
		} else {
			uncached = append(uncached, ref)
		}
	}

	if len(cached) == 0 {
		first := uncached[0]
		if err := m.materialize(ctx, first); err != nil {
			m.log.Warn("cold-start extraction failed", zap.String("item", first.ID), zap.Error(err))
		} else {
			cached = append(cached, first)
			uncached = uncached[1:]
		}
	}

	if len(uncached) > 0 {
		pending := append([]feed.ItemRef(nil), uncached...)
		m.opts.Dispatch(func() { m.warm(pending) })
	}

	out := make([]feed.Item, 0, len(refs))
	for _, ref := range cached {
		out = append(out, m.toItem(ref, true))
	}
	for _, ref := range uncached {
		out = append(out, m.toItem(ref, false))
	}
	return out
}

func (m *Manager) toItem(ref feed.ItemRef, cached bool) feed.Item {
	state := "pending"
	if cached {
		state = "ready"
	}
	return feed.Item{
		ID:         ref.ID,
		SourceType: m.src.Type(),
		Source:     m.opts.Name,
		Title:      ref.Title,
		Timestamp:  ref.Timestamp,
		Pending:    !cached,
		Meta:       map[string]string{"content": state, "key": ref.Key},
	}
}

// warm is the background trigger: a guarded pass over exactly refs. Its
// outcome is only logged; nothing waits on it.
func (m *Manager) warm(refs []feed.ItemRef) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("background prefetch panic", zap.Any("panic", r))
		}
	}()
	if !m.guard.TryAcquire() {
		m.opts.Observer.Contended(m.opts.Name)
		m.log.Info("prefetch already running, background warm skipped", zap.Int("pending", len(refs)))
		return
	}
	defer m.guard.Release()

	s, err := m.run(context.Background(), refs, false, m.opts.OnProgress)
	if err != nil {
		m.log.Warn("background prefetch failed", zap.Error(err))
		return
	}
	m.finish(s)
}

// PrefetchAll enumerates candidates and materializes every uncached one
// (all of them with Force), strictly one at a time. If another pass holds
// the guard it returns immediately with Contended set and ErrGuardContention.
func (m *Manager) PrefetchAll(ctx context.Context, q feed.Query, po PrefetchOptions) (feed.Summary, error) {
	if !m.guard.TryAcquire() {
		m.opts.Observer.Contended(m.opts.Name)
		return feed.Summary{Source: m.opts.Name, Contended: true, StartedAt: m.opts.Now()}, feed.ErrGuardContention
	}
	defer m.guard.Release()

	refs, err := m.src.ListCandidates(ctx, q)
	if err != nil {
		return feed.Summary{Source: m.opts.Name, StartedAt: m.opts.Now()}, fmt.Errorf("%w: %s: %v", feed.ErrSourceUnavailable, m.opts.Name, err)
	}
	onProgress := po.OnProgress
	if onProgress == nil {
		onProgress = m.opts.OnProgress
	}
	s, err := m.run(ctx, refs, po.Force, onProgress)
	if err != nil {
		return s, err
	}
	m.finish(s)
	return s, nil
}

func (m *Manager) run(ctx context.Context, refs []feed.ItemRef, force bool, onProgress func(feed.Progress)) (feed.Summary, error) {
	s := feed.Summary{Source: m.opts.Name, StartedAt: m.opts.Now()}
	defer func() { s.Duration = m.opts.Now().Sub(s.StartedAt) }()

	has := map[string]bool{}
	if !force {
		var err error
		if has, err = m.cachedSet(ctx, refs); err != nil {
			return s, fmt.Errorf("prefetch cache lookup: %w", err)
		}
	}

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			m.log.Info("prefetch pass interrupted", zap.Int("done", i), zap.Int("total", len(refs)))
			break
		}
		if onProgress != nil {
			onProgress(feed.Progress{Source: m.opts.Name, ItemID: ref.ID, Title: ref.Title, Current: i + 1, Total: len(refs)})
		}
		if has[key(ref.ID)] {
			s.AlreadyCached++
			m.opts.Observer.ItemDone(m.opts.Name, ResultAlready)
			continue
		}
		if m.opts.Limiter != nil {
			if err := m.opts.Limiter.Wait(ctx); err != nil {
				break
			}
		}
		err := m.materialize(ctx, ref)
		switch {
		case err == nil:
			s.NewlyCached++
			m.opts.Observer.ItemDone(m.opts.Name, ResultCached)
		case errors.Is(err, context.DeadlineExceeded):
			s.Failed++
			m.opts.Observer.ItemDone(m.opts.Name, ResultTimeout)
			m.log.Warn("extraction timed out, skipped", zap.String("item", ref.ID), zap.Duration("timeout", m.opts.ItemTimeout))
		default:
			s.Failed++
			m.opts.Observer.ItemDone(m.opts.Name, ResultFailed)
			m.log.Warn("extraction failed, skipped", zap.String("item", ref.ID), zap.Error(err))
		}
	}
	return s, nil
}

func (m *Manager) finish(s feed.Summary) {
	m.log.Info("prefetch pass done",
		zap.Int("newly_cached", s.NewlyCached),
		zap.Int("already_cached", s.AlreadyCached),
		zap.Int("failed", s.Failed),
		zap.Duration("took", s.Duration),
	)
	if s.NewlyCached > 0 && m.opts.OnUpdated != nil {
		m.opts.OnUpdated()
	}
	if m.opts.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.opts.Publisher.PublishSummary(ctx, s); err != nil {
			m.log.Warn("publish prefetch summary failed", zap.Error(err))
		}
	}
}

type extraction struct {
	mat feed.Materialized
	err error
}

// materialize extracts one item and stores it. The extraction runs in its
// own goroutine so an extractor that ignores ctx still cannot hold the pass
// past ItemTimeout.
func (m *Manager) materialize(ctx context.Context, ref feed.ItemRef) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ItemTimeout)
	defer cancel()

	done := make(chan extraction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- extraction{err: fmt.Errorf("extract panic: %v", r)}
			}
		}()
		mat, err := m.src.Materialize(ctx, ref)
		done <- extraction{mat: mat, err: err}
	}()

	var res extraction
	select {
	case res = <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", feed.ErrExtractionFailed, ref.ID, ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("%w: %s: %w", feed.ErrExtractionFailed, ref.ID, res.err)
	}

	mat := res.mat
	mat.ItemID = ref.ID
	if mat.Title == "" {
		mat.Title = ref.Title
	}
	if mat.Source == "" {
		mat.Source = m.opts.Name
	}
	mat.CachedAt = m.opts.Now()
	b, err := json.Marshal(mat)
	if err != nil {
		return err
	}
	return m.store.Write(ctx, key(ref.ID), b)
}

func (m *Manager) cachedSet(ctx context.Context, refs []feed.ItemRef) (map[string]bool, error) {
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = key(ref.ID)
	}
	return m.store.Has(ctx, keys)
}

// Content returns the materialized entry for id, if cached.
func (m *Manager) Content(ctx context.Context, id string) (feed.Materialized, bool, error) {
	var mat feed.Materialized
	b, ok, err := m.store.Read(ctx, key(id))
	if err != nil || !ok {
		return mat, ok, err
	}
	if err := json.Unmarshal(b, &mat); err != nil {
		return mat, false, err
	}
	return mat, true, nil
}

// Forget removes entries for items deleted upstream.
func (m *Manager) Forget(ctx context.Context, ids []string) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	return m.store.Delete(ctx, keys...)
}

// Start runs a pass after InitialDelay and then every Interval until Stop or
// ctx is done. Contended ticks are dropped.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(m.opts.InitialDelay)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				m.runOnce(ctx)
				t.Reset(m.opts.Interval)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("scheduled prefetch panic", zap.Any("panic", r))
		}
	}()
	_, err := m.PrefetchAll(ctx, m.opts.Query, PrefetchOptions{})
	switch {
	case errors.Is(err, feed.ErrGuardContention):
		m.log.Debug("scheduled prefetch skipped, pass in progress")
	case err != nil:
		m.log.Warn("scheduled prefetch failed", zap.Error(err))
	}
}

// Rebuild runs a pass over the configured query; used by queue workers.
func (m *Manager) Rebuild(ctx context.Context, force bool) (feed.Summary, error) {
	return m.PrefetchAll(ctx, m.opts.Query, PrefetchOptions{Force: force})
}
