package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

var (
	_ storeiface.TrackerStore = (*Store)(nil)
	_ storeiface.BlobStore    = (*Store)(nil)
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, SQLite)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrate must be re-runnable")
	return s
}

func TestNewRejectsUnknownDialect(t *testing.T) {
	_, err := New(nil, Dialect("oracle"))
	require.Error(t, err)
}

func TestTrackingIncrementsAccumulate(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementBatch(ctx, []string{"a", "b"}, at))
		}()
	}
	wg.Wait()

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, all["a"].Count)
	assert.EqualValues(t, 8, all["b"].Count)
	assert.True(t, all["b"].Last.Equal(at))

	require.NoError(t, s.Prune(ctx, []string{"a"}))
	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBlobUpsert(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, ok, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, "k1", []byte("one")))
	require.NoError(t, s.Write(ctx, "k1", []byte("two")))
	require.NoError(t, s.Write(ctx, "k2", []byte("three")))

	v, ok, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(v))

	has, err := s.Has(ctx, []string{"k1", "k2", "k3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"k1": true, "k2": true}, has)

	require.NoError(t, s.Delete(ctx, "k1"))
	has, err = s.Has(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"k2": true}, has)
}
