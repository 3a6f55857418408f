package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

type failingStore struct {
	storeiface.TrackerStore
	calls int
}

func (f *failingStore) GetAll(context.Context) (map[string]feed.TrackingRecord, error) {
	return nil, errors.New("conn refused")
}

func (f *failingStore) IncrementBatch(context.Context, []string, time.Time) error {
	f.calls++
	return errors.New("conn refused")
}

type countingStore struct {
	*storeiface.MemoryStore
	batches [][]string
}

func (c *countingStore) IncrementBatch(ctx context.Context, ids []string, at time.Time) error {
	c.batches = append(c.batches, ids)
	return c.MemoryStore.IncrementBatch(ctx, ids, at)
}

func TestRecordIsOneBatchedCall(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: storeiface.NewMemoryStore()}
	tr := New(st, Options{})

	require.NoError(t, tr.Record(ctx, []string{"a", "b", "a", "", "c"}))
	require.Len(t, st.batches, 1)
	assert.Equal(t, []string{"a", "b", "c"}, st.batches[0])

	counts := tr.Counts(ctx)
	assert.Equal(t, map[string]int64{"a": 1, "b": 1, "c": 1}, counts)
}

func TestRecordEmptyDoesNotTouchStore(t *testing.T) {
	st := &countingStore{MemoryStore: storeiface.NewMemoryStore()}
	require.NoError(t, New(st, Options{}).Record(context.Background(), nil))
	assert.Empty(t, st.batches)
}

func TestUnavailableStoreDegrades(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{}
	tr := New(st, Options{})

	assert.Empty(t, tr.Counts(ctx))

	err := tr.Record(ctx, []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrTrackingUnavailable))
	assert.Equal(t, 1, st.calls)

	_, err = tr.GetAll(ctx)
	assert.ErrorIs(t, err, feed.ErrTrackingUnavailable)
}

func TestRecordStampsLastShown(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	tr := New(storeiface.NewMemoryStore(), Options{Now: func() time.Time { return now }})

	require.NoError(t, tr.Record(ctx, []string{"a"}))
	require.NoError(t, tr.Record(ctx, []string{"a"}))
	all, err := tr.GetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, all["a"].Count)
	assert.True(t, all["a"].Last.Equal(now))

	require.NoError(t, tr.Prune(ctx, []string{"a"}))
	assert.Empty(t, tr.Counts(ctx))
}
