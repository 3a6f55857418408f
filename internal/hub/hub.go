// Package hub fans prefetch progress out to websocket watchers.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

type Conn struct {
	ID string
	WS *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte
}

// Frame is what watchers receive.
type Frame struct {
	Type     string         `json:"type"` // progress | summary
	Progress *feed.Progress `json:"progress,omitempty"`
	Summary  *feed.Summary  `json:"summary,omitempty"`
}

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   *zap.Logger

	// OnDrop is called when a frame is dropped for a slow client.
	OnDrop func()
}

func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{conns: make(map[string]*Conn), log: log}
}

func (h *Hub) Set(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) Del(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// Broadcast queues b on every connection; full queues drop the frame.
func (h *Hub) Broadcast(b []byte) (dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.Out <- b:
		default:
			dropped++
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
	return dropped
}

func (h *Hub) send(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("encode progress frame", zap.Error(err))
		return
	}
	h.Broadcast(b)
}

// Progress matches prefetch.Options.OnProgress.
func (h *Hub) Progress(p feed.Progress) {
	h.send(Frame{Type: "progress", Progress: &p})
}

func (h *Hub) PublishSummary(ctx context.Context, s feed.Summary) error {
	h.send(Frame{Type: "summary", Summary: &s})
	return nil
}

// Attach registers ws and starts its write loop. onClose runs once the
// loop exits.
func (h *Hub) Attach(ws *websocket.Conn, writeTimeout time.Duration, onClose func()) *Conn {
	c := &Conn{ID: uuid.NewString(), WS: ws, Out: make(chan []byte, 64)}
	h.Set(c)
	go h.readLoop(c)
	go h.writeLoop(c, writeTimeout, onClose)
	return c
}

// readLoop only notices the client going away.
func (h *Hub) readLoop(c *Conn) {
	defer func() {
		h.Del(c.ID)
		close(c.Out)
	}()
	for {
		if _, _, err := c.WS.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *Conn, wt time.Duration, onClose func()) {
	defer func() {
		_ = c.WS.Close()
		if onClose != nil {
			onClose()
		}
	}()
	for b := range c.Out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(wt))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
