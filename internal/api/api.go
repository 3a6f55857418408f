// Package api exposes the feed engine and prefetch managers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/internal/hub"
	"github.com/lzyats/core-feed-go/internal/metrics"
	"github.com/lzyats/core-feed-go/internal/session"
	"github.com/lzyats/core-feed-go/pkg/assembler"
	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/prefetch"
	redisstore "github.com/lzyats/core-feed-go/pkg/store/redis"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tracking lists selection counts.
type Tracking interface {
	GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error)
}

// Queue hands rebuilds to the out-of-process worker.
type Queue interface {
	Push(ctx context.Context, req redisstore.RebuildRequest) error
}

type Server struct {
	Engine   *assembler.Engine
	Tracking Tracking
	Prefetch map[string]*prefetch.Manager
	Queue    Queue
	Hub      *hub.Hub
	Log      *zap.Logger

	SessionHeader string
	SessionQuery  string
	WriteTimeout  time.Duration
}

func (s *Server) Routes() *http.ServeMux {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 5 * time.Second
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/feed", s.getFeed)
	mux.HandleFunc("POST /v1/feed/reset", s.resetFeed)
	mux.HandleFunc("GET /v1/items/{id}/content", s.getContent)
	mux.HandleFunc("POST /v1/prefetch/{source}", s.rebuild)
	mux.HandleFunc("GET /v1/prefetch", s.prefetchStatus)
	mux.HandleFunc("GET /v1/tracking", s.tracking)
	mux.HandleFunc("GET /ws/prefetch", s.watch)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.Engine.Sessions()})
	})
	return mux
}

// GET /v1/feed?cursor=&size=
func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	sid, minted := session.Resolve(r, s.SessionHeader, s.SessionQuery)
	token := r.URL.Query().Get("cursor")
	if minted {
		// a new session cannot continue a scroll
		token = ""
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	b, err := s.Engine.GetBatch(r.Context(), sid, token, size)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set(s.SessionHeader, sid)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) resetFeed(w http.ResponseWriter, r *http.Request) {
	sid := session.Extract(r, s.SessionHeader, s.SessionQuery)
	if sid == "" {
		writeErr(w, feed.ErrInvalidArgument)
		return
	}
	s.Engine.Reset(sid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, m := range s.Prefetch {
		mat, ok, err := m.Content(r.Context(), id)
		if err != nil {
			s.Log.Warn("content lookup failed", zap.String("source", m.Name()), zap.Error(err))
			continue
		}
		if ok {
			writeJSON(w, http.StatusOK, mat)
			return
		}
	}
	http.Error(w, "not cached", http.StatusNotFound)
}

// POST /v1/prefetch/{source}?force=1&wait=1
//
// wait runs the pass inline and returns its summary. Otherwise the pass is
// queued for the worker when a queue is configured, or started locally.
func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("source")
	m, ok := s.Prefetch[name]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	force := truthy(r.URL.Query().Get("force"))

	if truthy(r.URL.Query().Get("wait")) {
		sum, err := m.Rebuild(r.Context(), force)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}
	if m.Running() {
		writeErr(w, feed.ErrGuardContention)
		return
	}
	if s.Queue != nil {
		if err := s.Queue.Push(r.Context(), redisstore.RebuildRequest{Source: name, Force: force}); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"source": name, "queued": true})
		return
	}
	go func() {
		if _, err := m.Rebuild(context.Background(), force); err != nil {
			s.Log.Info("prefetch rebuild ended", zap.String("source", name), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"source": name, "started": true})
}

func (s *Server) prefetchStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]bool, len(s.Prefetch))
	for name, m := range s.Prefetch {
		out[name] = m.Running()
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": out})
}

func (s *Server) tracking(w http.ResponseWriter, r *http.Request) {
	if s.Tracking == nil {
		writeErr(w, feed.ErrNotConfigured)
		return
	}
	recs, err := s.Tracking.GetAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeErr(w, feed.ErrNotConfigured)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Hub.Attach(ws, s.WriteTimeout, func() {
		metrics.ProgressConns.Set(float64(s.Hub.Len()))
	})
	metrics.ProgressConns.Set(float64(s.Hub.Len()))
}

func truthy(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, feed.ErrGuardContention):
		code = http.StatusConflict
	case errors.Is(err, feed.ErrNotConfigured):
		code = http.StatusNotImplemented
	case errors.Is(err, feed.ErrSourceUnavailable), errors.Is(err, feed.ErrTrackingUnavailable):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
