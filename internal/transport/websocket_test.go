package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T, hub *Hub, onFrame func(context.Context, Frame) error) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeDriver(context.Background(), "d1", conn, onFrame)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitConnected(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatal("driver never registered on hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_DeliversStatusToDriver(t *testing.T) {
	hub := NewHub(nil)
	srv := newHubServer(t, hub, func(context.Context, Frame) error { return nil })
	conn := dial(t, srv)
	waitConnected(t, hub)

	err := hub.PublishStatus(context.Background(), StatusUpdate{OrderID: "o1", DriverID: "d1", Status: "enroute"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != FrameStatus {
		t.Fatalf("frame type = %q, want %q", f.Type, FrameStatus)
	}
	var got StatusUpdate
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Status != "enroute" || got.OrderID != "o1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestHub_HandlerErrorIsEchoed(t *testing.T) {
	hub := NewHub(nil)
	srv := newHubServer(t, hub, func(context.Context, Frame) error { return errors.New("invalid transition") })
	conn := dial(t, srv)

	if err := conn.WriteJSON(Frame{Type: FrameConfirm, Payload: json.RawMessage(`{"order_id":"o1"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != FrameError || !strings.Contains(string(f.Payload), "invalid transition") {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestHub_SendToDisconnectedDriverIsNoop(t *testing.T) {
	hub := NewHub(nil)
	if err := hub.SendToDriver("ghost", FrameOffer, map[string]string{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
