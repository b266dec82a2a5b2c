package lattice

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.WebSocketHandler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketHandler_SubscribeReceiveUnsubscribe(t *testing.T) {
	h := NewHub(DefaultStreamConfig())
	conn := dialTestHub(t, h)

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe", Database: "iot",
		Filter: &EventFilter{Series: "sensor_001"}}); err != nil {
		t.Fatal(err)
	}

	ack := readMessage(t, conn)
	if ack.Type != "subscribed" || ack.SubID == "" {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	// The subscription registers synchronously before the ack, so publishing
	// now is safe.
	h.Publish(ChangeEvent{Database: "iot", Kind: RecordKindPoint, Series: "sensor_001",
		PointID: "p1", Timestamp: 60, Value: 21})
	h.Publish(ChangeEvent{Database: "iot", Kind: RecordKindPoint, Series: "sensor_002", PointID: "p2"})

	msg := readMessage(t, conn)
	if msg.Type != "event" || msg.SubID != ack.SubID {
		t.Fatalf("expected event for %s, got %+v", ack.SubID, msg)
	}
	if msg.Event == nil || msg.Event.PointID != "p1" || msg.Event.Series != "sensor_001" {
		t.Errorf("wrong event: %+v", msg.Event)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "unsubscribe", SubID: ack.SubID}); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn)
	if msg.Type != "unsubscribed" || msg.SubID != ack.SubID {
		t.Fatalf("expected unsubscribed ack, got %+v", msg)
	}

	deadline := time.Now().Add(time.Second)
	for h.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Errorf("subscription count = %d after unsubscribe", h.Count())
	}
}

func TestWebSocketHandler_UnknownCommand(t *testing.T) {
	h := NewHub(DefaultStreamConfig())
	conn := dialTestHub(t, h)

	if err := conn.WriteJSON(StreamMessage{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" || msg.Error == "" {
		t.Errorf("expected error message, got %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn)
	if msg.Type != "error" {
		t.Errorf("expected error for malformed payload, got %+v", msg)
	}
}

func TestWebSocketHandler_DisconnectCleansUp(t *testing.T) {
	h := NewHub(DefaultStreamConfig())
	conn := dialTestHub(t, h)

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe", Database: "iot"}); err != nil {
		t.Fatal(err)
	}
	if ack := readMessage(t, conn); ack.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Errorf("subscriptions not removed on disconnect: %d", h.Count())
	}
}
