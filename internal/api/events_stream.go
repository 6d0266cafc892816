package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldops/fieldsync/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// eventBuffer is how many events a slow screen may lag behind before
	// further events are dropped for it.
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener is loopback-only and every stream is token-checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents handles GET /api/v1/events, upgrading to a websocket that
// carries every engine event as a JSON text message. Browsers cannot set
// headers on websocket requests, so the token may also be passed as ?token=.
// ?name=dataChanged,syncComplete limits the stream to the listed events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, h.apiKey, true) {
		return
	}

	if h.bus == nil {
		WriteProblem(w, r, http.StatusNotFound, "Event stream not available")
		return
	}

	filter := parseEventFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.Debug("websocket upgrade failed", "component", "api", "error", err)
		return
	}

	send := make(chan events.Event, eventBuffer)
	unsubscribe := h.bus.Subscribe(events.All, func(ev events.Event) {
		if filter != nil && !filter[ev.Name] {
			return
		}
		select {
		case send <- ev:
		default:
			slog.Debug("event dropped for slow subscriber",
				"component", "api",
				"event", ev.Name,
			)
		}
	})
	defer unsubscribe()

	slog.Debug("event stream opened", "component", "api", "remote_ip", r.RemoteAddr)

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, send, done)

	slog.Debug("event stream closed", "component", "api", "remote_ip", r.RemoteAddr)
}

func parseEventFilter(r *http.Request) map[events.Name]bool {
	raw := r.URL.Query().Get("name")
	if raw == "" {
		return nil
	}
	filter := make(map[events.Name]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter[events.Name(part)] = true
		}
	}
	return filter
}

// readPump discards client messages and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("event stream read error", "component", "api", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
