// Package ws streams the live metrics feed to dashboard subscribers.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quietfield/treelock/internal/core"
)

const writeTimeout = 5 * time.Second

// Hub fans metric events out to connected websocket subscribers. A
// subscriber may restrict the stream to one scope with ?scope=.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]string // conn -> scope filter, "" for all
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]string)}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := strings.TrimSpace(r.URL.Query().Get("scope"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(conn, filter)
		defer h.remove(conn)

		// Subscribers only listen; reading drains control frames and
		// detects the close.
		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// Broadcast sends ev to every subscriber whose filter matches. Slow or
// dead connections are dropped rather than allowed to stall the feed.
func (h *Hub) Broadcast(ev core.MetricEvent) {
	for _, conn := range h.matching(ev.Scope) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, ev)
		cancel()
		if err != nil {
			go func(c *websocket.Conn) {
				c.Close(websocket.StatusGoingAway, "write error")
				h.remove(c)
			}(conn)
		}
	}
}

// Subscribers reports the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) matching(scope core.ScopeID) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*websocket.Conn
	for conn, filter := range h.conns {
		if filter == "" || filter == string(scope) {
			out = append(out, conn)
		}
	}
	return out
}

func (h *Hub) add(conn *websocket.Conn, filter string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = filter
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}
