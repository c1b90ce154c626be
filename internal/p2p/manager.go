/*
File Name:  manager.go
Author:     dpc contributors

P2P Manager: owns the peer table, serializes connect/disconnect/send
requests from outside callers, and dispatches inbound messages by
command. Dial strategy falls back direct-TLS -> UDP hole-punch+DTLS ->
WebRTC-via-Hub -> gossip, per §4.5.
*/

package p2p

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dpcmesh/dpc/internal/transport"
)

// ErrPeerNotConnected is returned by Send when the target NodeId has no
// live entry in the peer table and no fallback path succeeded.
var ErrPeerNotConnected = errors.New("p2p: peer not connected")

// ErrHelloMismatch is returned when a HELLO's node_id does not match the
// transport-authenticated certificate CN.
var ErrHelloMismatch = errors.New("p2p: HELLO node_id does not match peer certificate")

// HelloPayload is the first message exchanged on every new connection.
type HelloPayload struct {
	NodeId string `json:"node_id"`
	Name   string `json:"name,omitempty"`
}

// DirectDialer opens a direct TLS connection to a dpc:// URI.
type DirectDialer func(uri string) (transport.PeerConnection, error)

// HolePunchDialer opens a DTLS connection after STUN+Hub-assisted UDP
// hole-punching.
type HolePunchDialer func(nodeID string) (transport.PeerConnection, error)

// WebRTCDialer opens a WebRTC datachannel via Hub signaling.
type WebRTCDialer func(nodeID string) (transport.PeerConnection, error)

// GossipSender emits an already-encrypted payload into the gossip
// overlay addressed to nodeID.
type GossipSender func(nodeID string, payload []byte) error

// GossipEncryptor encrypts plaintext for nodeID's public key (resolved
// from a local cache or the DHT's "cert:"+nodeID record) before it is
// handed to a GossipSender, per §4.4/§4.5.
type GossipEncryptor func(nodeID string, plaintext []byte) ([]byte, error)

// Manager holds the live PeerTable and exposes connect/disconnect/send.
type Manager struct {
	self     string
	selfName string

	mu    sync.Mutex
	peers map[string]transport.PeerConnection

	dialDirect    DirectDialer
	dialHolePunch HolePunchDialer
	dialWebRTC    WebRTCDialer
	sendGossip    GossipSender
	encryptGossip GossipEncryptor

	dispatchMu sync.RWMutex
	dispatch   map[string]func(from string, payload interface{})

	onPeerConnected    func(nodeID string)
	onPeerDisconnected func(nodeID string)
}

// New creates a Manager for node self.
func New(self, selfName string) *Manager {
	return &Manager{
		self:     self,
		selfName: selfName,
		peers:    make(map[string]transport.PeerConnection),
		dispatch: make(map[string]func(from string, payload interface{})),
	}
}

// SetDialers wires the four fallback strategies plus the encryptor
// used to seal payloads before they enter the gossip overlay. Any
// dialer may be nil, in which case that strategy is skipped.
func (m *Manager) SetDialers(direct DirectDialer, holePunch HolePunchDialer, webrtc WebRTCDialer, gossip GossipSender, encryptGossip GossipEncryptor) {
	m.dialDirect = direct
	m.dialHolePunch = holePunch
	m.dialWebRTC = webrtc
	m.sendGossip = gossip
	m.encryptGossip = encryptGossip
}

// OnPeerConnected/OnPeerDisconnected register lifecycle callbacks (C12
// consumes these to derive connection-mode transitions).
func (m *Manager) OnPeerConnected(fn func(nodeID string))    { m.onPeerConnected = fn }
func (m *Manager) OnPeerDisconnected(fn func(nodeID string)) { m.onPeerDisconnected = fn }

// HandleCommand registers a dispatch callback for an inbound command.
func (m *Manager) HandleCommand(command string, fn func(from string, payload interface{})) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.dispatch[command] = fn
}

// Connect establishes a connection to target, which may be a
// "dpc://host:port?node_id=..." URI or a bare NodeId. Strategies are
// tried in order, falling back on failure: direct TLS, UDP
// hole-punch+DTLS, WebRTC via Hub, gossip mailbox.
func (m *Manager) Connect(target string) error {
	nodeID, uri := parseTarget(target)

	if m.dialDirect != nil && uri != "" {
		if conn, err := m.dialDirect(uri); err == nil {
			return m.install(nodeID, conn)
		}
	}
	if m.dialHolePunch != nil {
		if conn, err := m.dialHolePunch(nodeID); err == nil {
			return m.install(nodeID, conn)
		}
	}
	if m.dialWebRTC != nil {
		if conn, err := m.dialWebRTC(nodeID); err == nil {
			return m.install(nodeID, conn)
		}
	}
	if m.sendGossip != nil {
		// Gossip has no live connection to install; callers route sends
		// for this peer through SendGossip directly (see Send below).
		return nil
	}
	return ErrPeerNotConnected
}

func parseTarget(target string) (nodeID, uri string) {
	if strings.HasPrefix(target, "dpc://") {
		uri = target
		if idx := strings.Index(target, "node_id="); idx >= 0 {
			nodeID = target[idx+len("node_id="):]
			if amp := strings.IndexByte(nodeID, '&'); amp >= 0 {
				nodeID = nodeID[:amp]
			}
		}
		return nodeID, uri
	}
	return target, ""
}

// install performs the HELLO handshake and, on success, places conn
// into the peer table, first shutting down any existing entry for the
// same NodeId.
func (m *Manager) install(expectedNodeID string, conn transport.PeerConnection) error {
	if err := conn.Send(transport.Envelope{Command: "HELLO", Payload: HelloPayload{NodeId: m.self, Name: m.selfName}}); err != nil {
		conn.Close()
		return err
	}

	env, err := conn.Read()
	if err != nil {
		conn.Close()
		return err
	}
	if env == nil || env.Command != "HELLO" {
		conn.Close()
		return fmt.Errorf("p2p: expected HELLO, got %v", env)
	}

	hello, err := decodeHello(env.Payload)
	if err != nil {
		conn.Close()
		return err
	}

	if cert := conn.PeerCertificate(); cert != nil {
		if cert.Subject.CommonName != hello.NodeId {
			conn.Close()
			return ErrHelloMismatch
		}
	}
	if expectedNodeID != "" && hello.NodeId != expectedNodeID {
		conn.Close()
		return ErrHelloMismatch
	}

	m.mu.Lock()
	if existing, ok := m.peers[hello.NodeId]; ok {
		existing.Close()
	}
	m.peers[hello.NodeId] = conn
	m.mu.Unlock()

	if m.onPeerConnected != nil {
		m.onPeerConnected(hello.NodeId)
	}

	go m.readLoop(hello.NodeId, conn)
	return nil
}

// AcceptIncoming performs the receiver side of the HELLO handshake for
// an already-authenticated transport connection (TLS/DTLS/WebRTC
// accept path) and installs it.
func (m *Manager) AcceptIncoming(conn transport.PeerConnection) error {
	env, err := conn.Read()
	if err != nil {
		conn.Close()
		return err
	}
	if env == nil || env.Command != "HELLO" {
		conn.Close()
		return fmt.Errorf("p2p: expected HELLO, got %v", env)
	}
	hello, err := decodeHello(env.Payload)
	if err != nil {
		conn.Close()
		return err
	}

	if cert := conn.PeerCertificate(); cert != nil && cert.Subject.CommonName != hello.NodeId {
		conn.Close()
		return ErrHelloMismatch
	}

	if err := conn.Send(transport.Envelope{Command: "HELLO", Payload: HelloPayload{NodeId: m.self, Name: m.selfName}}); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if existing, ok := m.peers[hello.NodeId]; ok {
		existing.Close()
	}
	m.peers[hello.NodeId] = conn
	m.mu.Unlock()

	if m.onPeerConnected != nil {
		m.onPeerConnected(hello.NodeId)
	}

	go m.readLoop(hello.NodeId, conn)
	return nil
}

func (m *Manager) readLoop(nodeID string, conn transport.PeerConnection) {
	for {
		env, err := conn.Read()
		if err != nil || env == nil {
			m.Disconnect(nodeID)
			return
		}
		m.dispatchMu.RLock()
		fn, ok := m.dispatch[env.Command]
		m.dispatchMu.RUnlock()
		if ok {
			fn(nodeID, env.Payload)
		}
	}
}

// Disconnect closes and removes the peer table entry for nodeID, if any.
func (m *Manager) Disconnect(nodeID string) {
	m.mu.Lock()
	conn, ok := m.peers[nodeID]
	if ok {
		delete(m.peers, nodeID)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
		if m.onPeerDisconnected != nil {
			m.onPeerDisconnected(nodeID)
		}
	}
}

// Send delivers msg to nodeID over its live connection if one exists;
// otherwise, if a gossip sender is wired, it is encrypted and queued
// into the gossip overlay as a mailbox-style fallback.
func (m *Manager) Send(nodeID string, command string, payload interface{}) error {
	m.mu.Lock()
	conn, ok := m.peers[nodeID]
	m.mu.Unlock()

	if ok {
		return conn.Send(transport.Envelope{Command: command, Payload: payload})
	}

	if m.sendGossip != nil {
		data, err := marshalEnvelope(command, payload)
		if err != nil {
			return err
		}
		if m.encryptGossip == nil {
			return fmt.Errorf("p2p: gossip sender configured without an encryptor")
		}
		blob, err := m.encryptGossip(nodeID, data)
		if err != nil {
			return fmt.Errorf("p2p: encrypting gossip payload for %s: %w", nodeID, err)
		}
		return m.sendGossip(nodeID, blob)
	}

	return ErrPeerNotConnected
}

// marshalEnvelope serializes a command/payload pair the way Send does
// over a live transport, for use as the plaintext handed to a gossip
// encryptor before it is queued into the overlay.
func marshalEnvelope(command string, payload interface{}) ([]byte, error) {
	return json.Marshal(transport.Envelope{Command: command, Payload: payload})
}

// decodeHello re-marshals a loosely-typed envelope payload (as produced
// by JSON-decoding an Envelope with Payload interface{}) back into a
// HelloPayload.
func decodeHello(payload interface{}) (HelloPayload, error) {
	var hello HelloPayload
	data, err := json.Marshal(payload)
	if err != nil {
		return hello, err
	}
	if err := json.Unmarshal(data, &hello); err != nil {
		return hello, err
	}
	if hello.NodeId == "" {
		return hello, fmt.Errorf("p2p: HELLO missing node_id")
	}
	return hello, nil
}

// Broadcast sends msg to every currently connected peer.
func (m *Manager) Broadcast(command string, payload interface{}) {
	m.mu.Lock()
	targets := make([]transport.PeerConnection, 0, len(m.peers))
	for _, c := range m.peers {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.Send(transport.Envelope{Command: command, Payload: payload})
	}
}

// ConnectedPeers returns the NodeIds with a live connection.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// ConnectedPeerIDs implements transport.PeerSender for the gossip overlay.
func (m *Manager) ConnectedPeerIDs() []string { return m.ConnectedPeers() }

// SendGossip implements transport.PeerSender by forwarding a gossip hop
// over a connected peer's transport.
func (m *Manager) SendGossip(peerID string, msg transport.GossipMessage) error {
	m.mu.Lock()
	conn, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrPeerNotConnected
	}
	return conn.Send(transport.Envelope{Command: "GOSSIP", Payload: msg})
}

// PeerCertificate returns the certificate cached for a connected peer,
// if its transport authenticates one.
func (m *Manager) PeerCertificate(nodeID string) *x509.Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.peers[nodeID]
	if !ok {
		return nil
	}
	return conn.PeerCertificate()
}
