package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/internal/config"
	"github.com/lzyats/core-feed-go/pkg/feed"
	sqlstore "github.com/lzyats/core-feed-go/pkg/store/sql"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
)

func load(t *testing.T, body string) *config.Config {
	t.Helper()
	p := filepath.Join(t.TempDir(), "feed.yml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	c, err := config.Load(p)
	require.NoError(t, err)
	return c
}

func setup(t *testing.T, backend string) *config.Config {
	t.Helper()
	news := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":"n1","title":"One"},{"id":"n2","title":"Two"}]}`))
	}))
	t.Cleanup(news.Close)

	photos := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(photos, "p.jpg"), []byte("x"), 0o644))
	books := t.TempDir()

	dsn := ""
	if backend == feed.BackendSQLite {
		dsn = filepath.Join(t.TempDir(), "feed.db")
	}
	return load(t, fmt.Sprintf(`
tiers:
  - tier: 1
    budget: 10
  - tier: 2
    budget: 10
sources:
  - name: news
    kind: http
    tier: 1
    url: %s
  - name: library
    kind: epub
    tier: 2
    path: %s
  - name: photos
    kind: mediadir
    padding: true
    path: %s
store:
  backend: %s
  dsn: %q
prefetch:
  enabled: N
`, news.URL, books, photos, backend, dsn))
}

func TestBuildMemory(t *testing.T) {
	a, err := Build(context.Background(), setup(t, feed.BackendMemory), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storeiface.MemoryStore{}, a.Store)
	assert.Nil(t, a.Queue)
	require.Contains(t, a.Prefetch, "library")
	assert.Len(t, a.Engine.Sources(), 3)

	b, err := a.Engine.GetBatch(context.Background(), "s1", "", 10)
	require.NoError(t, err)
	require.Len(t, b.Items, 3)
	assert.Equal(t, "photos", b.Items[2].Source)
	assert.NotEmpty(t, b.Cursor)

	counts := a.Tracker.Counts(context.Background())
	assert.Equal(t, int64(1), counts["n1"])

	a.StartPrefetch(context.Background())
}

func TestBuildSQLite(t *testing.T) {
	a, err := Build(context.Background(), setup(t, feed.BackendSQLite), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &sqlstore.Store{}, a.Store)
	_, err = a.Engine.GetBatch(context.Background(), "s1", "", 5)
	require.NoError(t, err)

	recs, err := a.Tracker.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.WithinDuration(t, time.Now(), recs["n1"].Last, time.Minute)
}
