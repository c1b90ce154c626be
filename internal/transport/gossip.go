/*
File Name:  gossip.go
Author:     dpc contributors

Stateless store-and-forward gossip overlay. A gossip message carries an
already-encrypted payload addressed to a destination NodeId; nodes
forward to a bounded fanout of connected peers until it reaches its
destination, a hop cap, or a TTL expiry. Deduplication is by msg_id,
derived with blake3 per SPEC_FULL's domain-stack binding (teacher's
Packet Encoding.go already reaches for a fast hash this way).
*/

package transport

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Priority levels for gossip messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// GossipMessage is the wire shape forwarded hop-to-hop.
type GossipMessage struct {
	MsgId       string   `json:"msg_id"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Payload     string   `json:"payload"` // base64, already encrypted for Destination
	Priority    Priority `json:"priority"`
	TTL         int64    `json:"ttl"` // unix seconds, expiry
	MaxHops     int      `json:"max_hops"`
	HopsSeen    []string `json:"hops_seen"`
}

// NewMsgId derives a message id from the source, destination and
// payload so duplicate injections of the same logical message collide
// (and therefore dedup) deterministically.
func NewMsgId(source, destination string, payload []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(source))
	h.Write([]byte(destination))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// PeerSender is the narrow capability gossip needs from the P2P manager
// to reach currently-connected peers, avoiding a cyclic dependency
// between the manager and the gossip transport (§9 design note on
// replacing cyclic references with capability handles).
type PeerSender interface {
	ConnectedPeerIDs() []string
	SendGossip(peerID string, msg GossipMessage) error
}

// Deliverer is called with the decrypted payload when a gossip message
// addressed to self arrives.
type Deliverer func(payload []byte)

// Overlay runs the store-and-forward gossip protocol over a PeerSender.
type Overlay struct {
	self     string
	sender   PeerSender
	fanout   int
	decrypt  func([]byte) ([]byte, error)
	deliver  Deliverer

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewOverlay creates a gossip overlay for self, forwarding through
// sender with the given fanout. decrypt is called on payloads addressed
// to self; its result is handed to deliver.
func NewOverlay(self string, sender PeerSender, fanout int, decrypt func([]byte) ([]byte, error), deliver Deliverer) *Overlay {
	return &Overlay{
		self:    self,
		sender:  sender,
		fanout:  fanout,
		decrypt: decrypt,
		deliver: deliver,
		seen:    make(map[string]time.Time),
	}
}

// Send originates a new gossip message addressed to destination,
// carrying an already-encrypted payload.
func (o *Overlay) Send(destination string, encryptedPayload []byte, priority Priority, ttl time.Duration, maxHops int) error {
	msg := GossipMessage{
		MsgId:       NewMsgId(o.self, destination, encryptedPayload),
		Source:      o.self,
		Destination: destination,
		Payload:     base64.StdEncoding.EncodeToString(encryptedPayload),
		Priority:    priority,
		TTL:         time.Now().Add(ttl).Unix(),
		MaxHops:     maxHops,
		HopsSeen:    []string{o.self},
	}
	o.markSeen(msg.MsgId)
	return o.forward(msg)
}

// Receive handles an inbound gossip message from any transport (called
// by the P2P manager's dispatch when it sees a gossip-kind message).
func (o *Overlay) Receive(msg GossipMessage) {
	o.mu.Lock()
	_, dup := o.seen[msg.MsgId]
	expired := time.Now().Unix() > msg.TTL
	tooManyHops := len(msg.HopsSeen) >= msg.MaxHops
	o.mu.Unlock()

	if dup || expired || tooManyHops {
		return
	}
	o.markSeen(msg.MsgId)

	if msg.Destination == o.self {
		payload, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return
		}
		plaintext, err := o.decrypt(payload)
		if err != nil {
			return // authentication failure on an opaque blob is fatal for this message only
		}
		if o.deliver != nil {
			o.deliver(plaintext)
		}
		return
	}

	msg.HopsSeen = append(append([]string{}, msg.HopsSeen...), o.self)
	o.forward(msg)
}

func (o *Overlay) forward(msg GossipMessage) error {
	peers := o.sender.ConnectedPeerIDs()
	count := 0
	for _, p := range peers {
		if count >= o.fanout {
			break
		}
		if containsHop(msg.HopsSeen, p) {
			continue
		}
		if err := o.sender.SendGossip(p, msg); err == nil {
			count++
		}
	}
	return nil
}

func (o *Overlay) markSeen(msgID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[msgID] = time.Now()
	if len(o.seen) > 100_000 {
		o.pruneLocked()
	}
}

func (o *Overlay) pruneLocked() {
	cutoff := time.Now().Add(-24 * time.Hour)
	for id, t := range o.seen {
		if t.Before(cutoff) {
			delete(o.seen, id)
		}
	}
}

func containsHop(hops []string, id string) bool {
	for _, h := range hops {
		if h == id {
			return true
		}
	}
	return false
}

// GossipConnection exists only so the gossip overlay can be plugged
// into code expecting a PeerConnection (e.g. logging/diagnostics); it
// carries no live socket of its own.
type GossipConnection struct {
	peerID string
}

func (g *GossipConnection) Send(msg Envelope) error                { return ErrClosed }
func (g *GossipConnection) Read() (*Envelope, error)                { return nil, ErrClosed }
func (g *GossipConnection) Close() error                            { return nil }
func (g *GossipConnection) Kind() Kind                              { return KindGossip }
func (g *GossipConnection) PeerCertificate() *x509.Certificate      { return nil }
