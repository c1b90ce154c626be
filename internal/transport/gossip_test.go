package transport

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu    sync.Mutex
	peers map[string]*Overlay // peerID -> their overlay, to simulate hops inline
	sent  []string
}

func (f *fakeSender) ConnectedPeerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.peers {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeSender) SendGossip(peerID string, msg GossipMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, peerID)
	target, ok := f.peers[peerID]
	f.mu.Unlock()
	if !ok {
		return errors.New("no such peer")
	}
	target.Receive(msg)
	return nil
}

// xorEncrypt/xorDecrypt simulate per-recipient encryption: only the
// holder of "theKey" can decrypt; any other key fails authentication.
func xorEncrypt(key byte, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key
	}
	return out
}

func makeDecryptor(key byte, expectFail bool) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		if expectFail {
			return nil, errors.New("authentication failed")
		}
		return xorEncrypt(key, data), nil
	}
}

// TestGossipEncryptionOpacity mirrors scenario S6: Alice -> Charlie (one
// hop) -> Bob. Charlie cannot decrypt; Bob recovers the original bytes.
func TestGossipEncryptionOpacity(t *testing.T) {
	var delivered []byte
	bobDecryptCalled := false
	charlieDecryptCalled := false

	bobOverlay := NewOverlay("bob", &fakeSender{peers: map[string]*Overlay{}}, 4,
		func(d []byte) ([]byte, error) { bobDecryptCalled = true; return xorEncrypt(0x5A, d), nil },
		func(payload []byte) { delivered = payload })

	charlieSender := &fakeSender{peers: map[string]*Overlay{"bob": bobOverlay}}
	charlieOverlay := NewOverlay("charlie", charlieSender, 4,
		func(d []byte) ([]byte, error) { charlieDecryptCalled = true; return nil, errors.New("not for me") },
		func(payload []byte) { t.Fatal("charlie should never deliver a message not addressed to it") })

	aliceSender := &fakeSender{peers: map[string]*Overlay{"charlie": charlieOverlay}}
	aliceOverlay := NewOverlay("alice", aliceSender, 4, nil, nil)

	original := []byte(`{"hello":"world"}`)
	encrypted := xorEncrypt(0x5A, original)

	if err := aliceOverlay.Send("bob", encrypted, PriorityNormal, time.Hour, 5); err != nil {
		t.Fatal(err)
	}

	if !bobDecryptCalled {
		t.Fatal("bob never attempted decryption")
	}
	if charlieDecryptCalled {
		t.Fatal("charlie should never be asked to decrypt a message not addressed to it")
	}
	if string(delivered) != string(original) {
		t.Fatalf("bob recovered %q, want %q", delivered, original)
	}

	// Sanity: the wire payload before delivery is opaque base64, not JSON.
	encoded := base64.StdEncoding.EncodeToString(encrypted)
	if encoded == string(original) {
		t.Fatal("payload was not actually obscured")
	}
}

func TestGossipDeduplicationByMsgId(t *testing.T) {
	deliveries := 0
	sender := &fakeSender{peers: map[string]*Overlay{}}
	overlay := NewOverlay("node", sender, 4, func(d []byte) ([]byte, error) { return d, nil }, func(payload []byte) {
		deliveries++
	})

	msg := GossipMessage{
		MsgId:       "fixed-id",
		Source:      "origin",
		Destination: "node",
		Payload:     base64.StdEncoding.EncodeToString([]byte("payload")),
		TTL:         time.Now().Add(time.Hour).Unix(),
		MaxHops:     5,
	}

	overlay.Receive(msg)
	overlay.Receive(msg)

	if deliveries != 1 {
		t.Fatalf("expected 1 delivery after duplicate receive, got %d", deliveries)
	}
}

func TestGossipDropsOnHopCap(t *testing.T) {
	deliveries := 0
	sender := &fakeSender{peers: map[string]*Overlay{}}
	overlay := NewOverlay("node", sender, 4, func(d []byte) ([]byte, error) { return d, nil }, func(payload []byte) {
		deliveries++
	})

	msg := GossipMessage{
		MsgId:       "capped",
		Destination: "someone-else",
		TTL:         time.Now().Add(time.Hour).Unix(),
		MaxHops:     2,
		HopsSeen:    []string{"a", "b"},
	}
	overlay.Receive(msg)
	if deliveries != 0 {
		t.Fatal("message at hop cap should have been dropped, not delivered")
	}
}

func TestGossipDropsExpired(t *testing.T) {
	sender := &fakeSender{peers: map[string]*Overlay{}}
	delivered := false
	overlay := NewOverlay("node", sender, 4, func(d []byte) ([]byte, error) { return d, nil }, func(payload []byte) {
		delivered = true
	})

	msg := GossipMessage{
		MsgId:       "expired",
		Destination: "node",
		TTL:         time.Now().Add(-time.Hour).Unix(),
		MaxHops:     5,
	}
	overlay.Receive(msg)
	if delivered {
		t.Fatal("expired message should not be delivered")
	}
}
