package mediadir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

func touch(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(p, mod, mod))
}

func TestFetchItems(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	touch(t, dir, "a.jpg", at)
	touch(t, dir, "trip/b c.mp4", at.Add(time.Hour))
	touch(t, dir, "readme.txt", at.Add(2*time.Hour))
	touch(t, dir, ".thumbs/a.jpg", at.Add(3*time.Hour))

	items, err := New("media", dir, "https://cdn.example/media/").FetchItems(context.Background(), feed.Query{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "b c", items[0].Title)
	assert.Equal(t, "https://cdn.example/media/trip/b%20c.mp4", items[0].URL)
	assert.Equal(t, feed.StableID("media", "a.jpg"), items[1].ID)
	assert.Equal(t, "image/jpeg", items[1].Meta["mime"])
}

func TestFetchItemsExtFilterAndLimit(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	touch(t, dir, "a.jpg", at)
	touch(t, dir, "b.jpg", at.Add(time.Minute))
	touch(t, dir, "c.mp3", at.Add(2*time.Minute))

	items, err := New("media", dir, "").FetchItems(context.Background(), feed.Query{Filters: map[string]string{"ext": "jpg"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Title)
	assert.Empty(t, items[0].URL)
}

func TestFetchItemsMissingRoot(t *testing.T) {
	_, err := New("media", filepath.Join(t.TempDir(), "nope"), "").FetchItems(context.Background(), feed.Query{})
	assert.Error(t, err)
}

func TestDirsSharingPathsGetDistinctIDs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	touch(t, a, "a.jpg", at)
	touch(t, b, "a.jpg", at)

	ia, err := New("photos", a, "").FetchItems(context.Background(), feed.Query{})
	require.NoError(t, err)
	ib, err := New("screens", b, "").FetchItems(context.Background(), feed.Query{})
	require.NoError(t, err)
	require.Len(t, ia, 1)
	require.Len(t, ib, 1)
	assert.NotEqual(t, ia[0].ID, ib[0].ID)
}
