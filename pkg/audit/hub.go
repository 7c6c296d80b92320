package audit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubWriteTimeout = 5 * time.Second
	hubPingPeriod   = 30 * time.Second
)

// Hub streams events to connected websocket subscribers. Slow subscribers
// lose events once their buffer is full.
type Hub struct {
	upgrader   websocket.Upgrader
	bufferSize int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	events chan Event
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		bufferSize: bufferSize,
		subs:       make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			slog.Warn("Dropping audit event for slow subscriber", "event_id", event.ID)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{events: make(chan Event, h.bufferSize)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade audit stream", "error", err)
		return
	}
	defer ws.Close()

	sub := h.subscribe()
	defer h.unsubscribe(sub)
	slog.Info("Audit subscriber connected", "remote_addr", r.RemoteAddr)

	// reader detects close frames
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-sub.events:
			ws.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := ws.WriteJSON(event); err != nil {
				slog.Debug("Audit subscriber write failed", "error", err)
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
