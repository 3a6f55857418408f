package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

func TestFetchEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tech", r.URL.Query().Get("topic"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"n1","title":"First","url":"https://x/1","timestamp":"2026-10-01T12:00:00Z","priority":3},
			{"title":"No id","link":"https://x/2","published":1790000000},
			{"title":""},
			{"id":"n3","title":"Third"}
		]}`))
	}))
	defer srv.Close()

	s := New("news", srv.URL, time.Second)
	items, err := s.FetchItems(context.Background(), feed.Query{Filters: map[string]string{"topic": "tech"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "n1", items[0].ID)
	assert.Equal(t, 3, items[0].Priority)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), items[0].Timestamp.UTC())
	assert.Equal(t, feed.StableID("news", "https://x/2"), items[1].ID)
	assert.Equal(t, "https://x/2", items[1].URL)
	assert.Equal(t, int64(1790000000), items[1].Timestamp.Unix())
	assert.Equal(t, feed.KindHTTP, items[1].SourceType)
}

func TestFetchBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"a","title":"A"}]`))
	}))
	defer srv.Close()

	items, err := New("news", srv.URL, time.Second).FetchItems(context.Background(), feed.Query{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New("news", srv.URL, time.Second).FetchItems(context.Background(), feed.Query{})
	assert.ErrorContains(t, err, "status=502")
}

type countingBreaker struct {
	allow            bool
	success, failure int
}

func (b *countingBreaker) Allow(string) bool   { return b.allow }
func (b *countingBreaker) Success(string)      { b.success++ }
func (b *countingBreaker) Failure(string) bool { b.failure++; return false }

func TestBreakerGatesCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	brk := &countingBreaker{allow: true}
	s := New("news", srv.URL, time.Second)
	s.Breaker = brk

	_, err := s.FetchItems(context.Background(), feed.Query{})
	require.Error(t, err)
	assert.Equal(t, 1, brk.failure)

	brk.allow = false
	_, err = s.FetchItems(context.Background(), feed.Query{})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(1), hits.Load())
}
