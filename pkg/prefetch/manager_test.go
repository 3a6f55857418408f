package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

type fakeBooks struct {
	refs  []feed.ItemRef
	calls atomic.Int32

	mu    sync.Mutex
	block map[string]chan struct{}
	fail  map[string]bool
	order []string
}

func newBooks(ids ...string) *fakeBooks {
	f := &fakeBooks{block: map[string]chan struct{}{}, fail: map[string]bool{}}
	for _, id := range ids {
		f.refs = append(f.refs, feed.ItemRef{ID: id, Key: id + ".epub", Title: "Book " + id})
	}
	return f
}

func (f *fakeBooks) Type() string { return "epub" }

func (f *fakeBooks) ListCandidates(ctx context.Context, q feed.Query) ([]feed.ItemRef, error) {
	return append([]feed.ItemRef(nil), f.refs...), nil
}

func (f *fakeBooks) Materialize(ctx context.Context, ref feed.ItemRef) (feed.Materialized, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.order = append(f.order, ref.ID)
	ch := f.block[ref.ID]
	fail := f.fail[ref.ID]
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
	if fail {
		return feed.Materialized{}, errors.New("corrupt archive")
	}
	return feed.Materialized{Chapter: "One", Body: "text of " + ref.ID}, nil
}

// manual collects dispatched work so tests decide when it runs.
type manual struct {
	mu    sync.Mutex
	tasks []func()
}

func (d *manual) dispatch(f func()) {
	d.mu.Lock()
	d.tasks = append(d.tasks, f)
	d.mu.Unlock()
}

func (d *manual) runAll() {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, f := range tasks {
		f()
	}
}

func newManager(t *testing.T, src *fakeBooks, opts Options) (*Manager, *storeiface.MemoryStore) {
	t.Helper()
	store := storeiface.NewMemoryStore()
	if opts.ItemTimeout == 0 {
		opts.ItemTimeout = time.Second
	}
	return New(src, store, opts), store
}

func ids(items []feed.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestBatchPutsCachedFirst(t *testing.T) {
	src := newBooks("a", "b", "c", "d", "e")
	d := &manual{}
	m, store := newManager(t, src, Options{Dispatch: d.dispatch})
	ctx := context.Background()
	for _, id := range []string{"b", "d", "e"} {
		require.NoError(t, store.Write(ctx, key(id), []byte(`{}`)))
	}

	items := m.BuildBatchForFeed(ctx, src.refs, feed.Query{})
	assert.Equal(t, []string{"b", "d", "e", "a", "c"}, ids(items))
	assert.Equal(t, "ready", items[0].Meta["content"])
	assert.Equal(t, "pending", items[3].Meta["content"])
	assert.True(t, items[3].Pending)
	assert.False(t, items[0].Pending)
	assert.Zero(t, src.calls.Load(), "nothing extracted inline while something is cached")
	assert.Len(t, d.tasks, 1)
}

func TestColdStartExtractsExactlyOne(t *testing.T) {
	src := newBooks("a", "b", "c")
	d := &manual{}
	m, _ := newManager(t, src, Options{Dispatch: d.dispatch})
	ctx := context.Background()

	items := m.BuildBatchForFeed(ctx, src.refs, feed.Query{})
	require.Len(t, items, 3)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "ready", items[0].Meta["content"])

	mat, ok, err := m.Content(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "text of a", mat.Body)
	assert.Equal(t, "Book a", mat.Title)

	d.runAll()
	assert.Equal(t, int32(3), src.calls.Load(), "background pass warms the rest")
	for _, id := range []string{"b", "c"} {
		_, ok, err := m.Content(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func TestBackgroundWarmNotifiesUpdate(t *testing.T) {
	src := newBooks("a", "b")
	d := &manual{}
	var updated atomic.Int32
	m, _ := newManager(t, src, Options{Dispatch: d.dispatch, OnUpdated: func() { updated.Add(1) }})

	m.BuildBatchForFeed(context.Background(), src.refs, feed.Query{})
	d.runAll()
	assert.Equal(t, int32(1), updated.Load())
}

func TestPrefetchAllIsIdempotent(t *testing.T) {
	src := newBooks("a", "b", "c")
	m, _ := newManager(t, src, Options{})
	ctx := context.Background()

	s, err := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.NewlyCached)
	assert.Zero(t, s.AlreadyCached)

	s, err = m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	assert.Zero(t, s.NewlyCached)
	assert.Equal(t, 3, s.AlreadyCached)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestPrefetchAllForceRebuilds(t *testing.T) {
	src := newBooks("a", "b")
	m, _ := newManager(t, src, Options{})
	ctx := context.Background()

	_, err := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	s, err := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.NewlyCached)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestPrefetchAllIsSequentialAndReportsProgress(t *testing.T) {
	src := newBooks("a", "b", "c")
	m, _ := newManager(t, src, Options{})

	var seen []feed.Progress
	_, err := m.PrefetchAll(context.Background(), feed.Query{}, PrefetchOptions{
		OnProgress: func(p feed.Progress) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	for i, p := range seen {
		assert.Equal(t, i+1, p.Current)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, []string{"a", "b", "c"}, src.order)
}

func TestPrefetchAllCountsFailuresAndContinues(t *testing.T) {
	src := newBooks("a", "b", "c")
	src.fail["b"] = true
	m, _ := newManager(t, src, Options{})

	s, err := m.PrefetchAll(context.Background(), feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.NewlyCached)
	assert.Equal(t, 1, s.Failed)
}

func TestItemTimeoutIsSkipped(t *testing.T) {
	src := newBooks("a", "b")
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	src.block["a"] = stuck
	m, _ := newManager(t, src, Options{ItemTimeout: 50 * time.Millisecond})

	start := time.Now()
	s, err := m.PrefetchAll(context.Background(), feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.NewlyCached)

	_, ok, err := m.Content(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardRejectsSecondPass(t *testing.T) {
	src := newBooks("a", "b")
	release := make(chan struct{})
	src.block["a"] = release
	m, _ := newManager(t, src, Options{ItemTimeout: 5 * time.Second})
	ctx := context.Background()

	done := make(chan feed.Summary, 1)
	go func() {
		s, _ := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
		done <- s
	}()
	require.Eventually(t, m.Running, time.Second, 5*time.Millisecond)

	s, err := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
	assert.ErrorIs(t, err, feed.ErrGuardContention)
	assert.True(t, s.Contended)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.NewlyCached)
	assert.False(t, m.Running())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBackgroundWarmSkipsWhenGuardHeld(t *testing.T) {
	src := newBooks("a", "b")
	d := &manual{}
	m, _ := newManager(t, src, Options{Dispatch: d.dispatch})
	ctx := context.Background()

	m.BuildBatchForFeed(ctx, src.refs, feed.Query{})
	require.True(t, m.guard.TryAcquire())
	d.runAll()
	m.guard.Release()
	assert.Equal(t, int32(1), src.calls.Load(), "only the cold-start item")
}

func TestForgetRemovesEntries(t *testing.T) {
	src := newBooks("a")
	m, _ := newManager(t, src, Options{})
	ctx := context.Background()

	_, err := m.PrefetchAll(ctx, feed.Query{}, PrefetchOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Forget(ctx, []string{"a"}))
	_, ok, err := m.Content(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchItemsServesAsSource(t *testing.T) {
	src := newBooks("a", "b")
	d := &manual{}
	m, _ := newManager(t, src, Options{Dispatch: d.dispatch, Name: "library"})

	var s feed.Source = m
	items, err := s.FetchItems(context.Background(), feed.Query{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "library", items[0].Source)
	assert.Equal(t, "epub", s.Type())
}

func TestTimerRunsPasses(t *testing.T) {
	src := newBooks("a")
	passes := make(chan feed.Summary, 4)
	m, _ := newManager(t, src, Options{
		InitialDelay: 10 * time.Millisecond,
		Interval:     20 * time.Millisecond,
		Publisher:    publisherFunc(func(ctx context.Context, s feed.Summary) error { passes <- s; return nil }),
	})
	m.Start(context.Background())
	defer m.Stop()

	first := <-passes
	assert.Equal(t, 1, first.NewlyCached)
	second := <-passes
	assert.Equal(t, 1, second.AlreadyCached)
}

type publisherFunc func(ctx context.Context, s feed.Summary) error

func (f publisherFunc) PublishSummary(ctx context.Context, s feed.Summary) error { return f(ctx, s) }

func TestPublishersAttemptsAll(t *testing.T) {
	var got []string
	ok := publisherFunc(func(ctx context.Context, s feed.Summary) error { got = append(got, "ok"); return nil })
	bad := publisherFunc(func(ctx context.Context, s feed.Summary) error { got = append(got, "bad"); return errors.New("down") })

	err := Publishers{bad, nil, ok}.PublishSummary(context.Background(), feed.Summary{})
	assert.Error(t, err)
	assert.Equal(t, []string{"bad", "ok"}, got)
}
