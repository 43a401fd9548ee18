package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"finger/internal/bus"
)

func busEvent(eventType, sessionID string) bus.Event {
	return bus.Event{Type: eventType, SessionID: sessionID, Payload: map[string]any{"n": 1}}
}

func dialWS(t *testing.T, app *App) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(app.router())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return evt
}

func waitForClients(t *testing.T, app *App, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if app.bus.Metrics().StreamClients == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d stream clients, have %d", want, app.bus.Metrics().StreamClients)
}

func TestWebSocketReceivesEveryEventWithoutFilter(t *testing.T) {
	app := newTestApp(t)
	conn, done := dialWS(t, app)
	defer done()
	waitForClients(t, app, 1)

	app.bus.Emit(busEvent(bus.EventTaskStarted, "sess-1"))

	evt := readEvent(t, conn)
	if evt["type"] != bus.EventTaskStarted {
		t.Fatalf("expected task_started, got %v", evt["type"])
	}
	if evt["sessionId"] != "sess-1" {
		t.Fatalf("expected sessionId sess-1, got %v", evt["sessionId"])
	}
	if _, err := time.Parse(time.RFC3339Nano, evt["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp not ISO-8601: %v", evt["timestamp"])
	}
}

func TestWebSocketSubscribeNarrowsStream(t *testing.T) {
	app := newTestApp(t)
	conn, done := dialWS(t, app)
	defer done()
	waitForClients(t, app, 1)

	frame := subscribeFrame{Type: "subscribe", Types: []string{bus.EventTaskFailed}}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	// The reader applies the filter asynchronously.
	time.Sleep(100 * time.Millisecond)

	app.bus.Emit(busEvent(bus.EventTaskStarted, "skipped"))
	app.bus.Emit(busEvent(bus.EventTaskFailed, "wanted"))

	evt := readEvent(t, conn)
	if evt["type"] != bus.EventTaskFailed || evt["sessionId"] != "wanted" {
		t.Fatalf("filter not applied, got %v/%v", evt["type"], evt["sessionId"])
	}
}

func TestWebSocketGroupSubscription(t *testing.T) {
	app := newTestApp(t)
	conn, done := dialWS(t, app)
	defer done()
	waitForClients(t, app, 1)

	if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Groups: []string{bus.GroupResource}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	app.bus.Emit(busEvent(bus.EventLoopStarted, "other"))
	app.bus.Emit(busEvent(bus.EventResourceAllocated, "res"))

	evt := readEvent(t, conn)
	if evt["type"] != bus.EventResourceAllocated {
		t.Fatalf("expected resource.allocated, got %v", evt["type"])
	}
}

func TestWebSocketDisconnectUnregistersClient(t *testing.T) {
	app := newTestApp(t)
	conn, done := dialWS(t, app)
	waitForClients(t, app, 1)
	_ = conn.Close()
	waitForClients(t, app, 0)
	done()
}
