package bot

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventHub fans decoded events out to admin websocket subscribers. It
// centralizes broadcasting and error handling so the router stays small.
type EventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewEventHub builds an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{conns: map[*websocket.Conn]struct{}{}}
}

// ServeHTTP upgrades the request and parks the connection until it drops.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("eventhub: upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// Reads only serve to detect the close; subscribers never send.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Publish broadcasts one event summary to every subscriber, dropping
// connections whose writes fail.
func (h *EventHub) Publish(ev *event.Event) {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	summary := map[string]any{
		"kind":      ev.Kind.String(),
		"post_type": ev.PostType,
		"time":      ev.Time,
		"self_id":   ev.SelfID,
	}
	if ev.Message != nil {
		summary["group_id"] = ev.Message.GroupID
		summary["user_id"] = ev.Message.UserID
		summary["raw_message"] = ev.Message.RawMessage
	}
	payload, err := jsonx.Stringify(summary)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			log.Warn().Err(err).Msg("eventhub: broadcast failed, dropping connection")
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

// Count reports the subscriber count.
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll drops every subscriber, for shutdown.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, conn)
	}
}
