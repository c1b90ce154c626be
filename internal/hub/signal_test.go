package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSignal(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signal?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestSignalRelayTagsSender(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	server := httptest.NewServer(h.Router)
	defer server.Close()

	tokenA, err := h.issueToken("a@example.com", "dpc-node-aaaa0000000000000000000000000")
	if err != nil {
		t.Fatal(err)
	}
	tokenB, err := h.issueToken("b@example.com", "dpc-node-bbbb0000000000000000000000000")
	if err != nil {
		t.Fatal(err)
	}

	connA := dialSignal(t, server, tokenA)
	defer connA.Close()
	connB := dialSignal(t, server, tokenB)
	defer connB.Close()

	var ackA, ackB signalMessage
	if err := connA.ReadJSON(&ackA); err != nil || ackA.Type != "auth_ok" {
		t.Fatalf("expected auth_ok for A, got %+v, err=%v", ackA, err)
	}
	if err := connB.ReadJSON(&ackB); err != nil || ackB.Type != "auth_ok" {
		t.Fatalf("expected auth_ok for B, got %+v, err=%v", ackB, err)
	}

	outbound := signalMessage{Type: "signal", TargetNodeId: "dpc-node-bbbb0000000000000000000000000", Payload: []byte(`{"sdp":"offer-data"}`)}
	if err := connA.WriteJSON(outbound); err != nil {
		t.Fatal(err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	var relayed signalMessage
	if err := connB.ReadJSON(&relayed); err != nil {
		t.Fatalf("B did not receive relay: %v", err)
	}
	if relayed.SenderNodeId != "dpc-node-aaaa0000000000000000000000000" {
		t.Fatalf("sender_node_id = %q, want A's node id", relayed.SenderNodeId)
	}
	if string(relayed.Payload) != `{"sdp":"offer-data"}` {
		t.Fatalf("payload = %s, want passthrough", relayed.Payload)
	}
}

func TestSignalUpgradeRejectsUnauthenticated(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	server := httptest.NewServer(h.Router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signal"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure without a token")
	}
	if resp != nil && resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
