package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"engagekit/core"
	"engagekit/realtime"
)

func dial(t *testing.T, server *httptest.Server, query string) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + server.URL[len("http"):] + query // convert http->ws
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *realtime.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub, nil))
	defer server.Close()

	conn := dial(t, server, "")
	waitForClients(t, hub, 1)

	ev, err := core.NewTypedEvent("test", core.PointsAwarded{UserID: "alice", ActionType: "quiz", Delta: 5, Balance: 5})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	hub.Broadcast(context.Background(), ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	received, err := core.Decode(msg)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if u, _ := received.UserID(); u != "alice" {
		t.Fatalf("unexpected user: %s", u)
	}
}

func TestHandlerFiltersByUser(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub, nil))
	defer server.Close()

	conn := dial(t, server, "?user_id=Bob&topic=gamification.points.*")
	waitForClients(t, hub, 1)

	for _, user := range []core.UserID{"alice", "bob"} {
		ev, err := core.NewTypedEvent("test", core.PointsAwarded{UserID: user, ActionType: "quiz", Delta: 1, Balance: 1})
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		hub.Broadcast(context.Background(), ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	received, err := core.Decode(msg)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if u, _ := received.UserID(); u != "bob" {
		t.Fatalf("expected only bob's events, got %s", u)
	}
}

func TestHandlerRejectsBadPattern(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "?topic=a..b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
