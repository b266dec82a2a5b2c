package lattice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON envelope for WebSocket subscription traffic.
type StreamMessage struct {
	Type     string       `json:"type"`
	Database string       `json:"database,omitempty"`
	Filter   *EventFilter `json:"filter,omitempty"`
	SubID    string       `json:"sub_id,omitempty"`
	Event    *ChangeEvent `json:"event,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// wsConn serializes writes; events for different subscriptions are forwarded
// from separate goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(msg StreamMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// WebSocketHandler returns an HTTP handler that exposes the hub over a
// WebSocket connection. Clients send subscribe/unsubscribe commands; the
// handler forwards matching change events and removes the connection's
// subscriptions on disconnect.
func (h *Hub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn := &wsConn{conn: raw}
		defer func() { _ = raw.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		connSubs := make(map[string]*Subscription)
		var connMu sync.Mutex

		go func() {
			defer cancel()
			for {
				_, msg, err := raw.ReadMessage()
				if err != nil {
					return
				}

				var cmd StreamMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					_ = conn.writeJSON(StreamMessage{Type: "error", Error: "invalid message format"})
					continue
				}

				switch cmd.Type {
				case "subscribe":
					var filter EventFilter
					if cmd.Filter != nil {
						filter = *cmd.Filter
					}
					sub := h.Subscribe(cmd.Database, filter)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					_ = conn.writeJSON(StreamMessage{Type: "subscribed", SubID: sub.ID})

					go forwardEvents(ctx, conn, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					_ = conn.writeJSON(StreamMessage{Type: "unsubscribed", SubID: cmd.SubID})

				default:
					_ = conn.writeJSON(StreamMessage{Type: "error", Error: "unknown command: " + cmd.Type})
				}
			}
		}()

		<-ctx.Done()

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func forwardEvents(ctx context.Context, conn *wsConn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.writeJSON(StreamMessage{Type: "event", SubID: sub.ID, Event: &event}); err != nil {
				return
			}
		}
	}
}
