/*
File Name:  signal.go
Author:     dpc contributors

/ws/signal: authenticated WebSocket relay. Maintains a node_id ->
connection map and forwards typed signaling messages (SDP offers/
answers, ICE candidates) between nodes, tagging each relay with the
sender's node_id so recipients never have to trust a claimed sender.
*/

package hub

import (
	"encoding/json"
	"log"
	"net/http"
)

type signalMessage struct {
	Type         string          `json:"type"`
	TargetNodeId string          `json:"target_node_id,omitempty"`
	SenderNodeId string          `json:"sender_node_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (h *Hub) handleSignalUpgrade(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" || h.blacklist.contains(raw) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	c, err := h.parseToken(raw)
	if err != nil || c.NodeId == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: signal upgrade failed for %s: %v", c.NodeId, err)
		return
	}
	defer conn.Close()

	h.signalMu.Lock()
	if old, exists := h.sockets[c.NodeId]; exists {
		old.Close()
	}
	h.sockets[c.NodeId] = conn
	h.signalMu.Unlock()

	defer func() {
		h.signalMu.Lock()
		if h.sockets[c.NodeId] == conn {
			delete(h.sockets, c.NodeId)
		}
		h.signalMu.Unlock()
	}()

	if err := conn.WriteJSON(map[string]interface{}{"type": "auth_ok", "node_id": c.NodeId}); err != nil {
		return
	}

	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "signal" || msg.TargetNodeId == "" {
			continue
		}
		h.relay(c.NodeId, msg)
	}
}

// relay delivers a signal message to its target node's live connection,
// if any. Silently drops it when the target is offline; the sender's
// own reconnect/backoff loop is responsible for retrying.
func (h *Hub) relay(senderNodeID string, msg signalMessage) {
	h.signalMu.RLock()
	target, ok := h.sockets[msg.TargetNodeId]
	h.signalMu.RUnlock()
	if !ok {
		return
	}

	out := signalMessage{Type: "signal", SenderNodeId: senderNodeID, Payload: msg.Payload}
	if err := target.WriteJSON(out); err != nil {
		log.Printf("hub: relay to %s failed: %v", msg.TargetNodeId, err)
	}
}
