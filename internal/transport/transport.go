/*
File Name:  transport.go
Author:     dpc contributors

Common PeerConnection contract implemented by every transport kind
(TLS, DTLS, WebRTC, gossip). Messages are JSON objects with "command"
and "payload", framed per internal/wire.
*/

package transport

import (
	"crypto/x509"
	"errors"
)

// Kind identifies which transport backs a PeerConnection.
type Kind string

const (
	KindTLS     Kind = "tls"
	KindDTLS    Kind = "dtls"
	KindWebRTC  Kind = "webrtc"
	KindGossip  Kind = "gossip"
)

// Envelope is the P2P message envelope carried by every transport.
type Envelope struct {
	Command string      `json:"command"`
	Payload interface{} `json:"payload"`
}

// ErrClosed is returned by Send after Close, and by Read on a WebRTC
// connection whose data channel has closed.
var ErrClosed = errors.New("transport: connection closed")

// ErrCertificateMismatch indicates the peer's certificate CN did not
// match the NodeId expected for this connection.
var ErrCertificateMismatch = errors.New("transport: peer certificate CN mismatch")

// PeerConnection is the uniform message-oriented API every transport
// adapts to.
type PeerConnection interface {
	// Send writes one framed envelope.
	Send(msg Envelope) error

	// Read blocks for the next framed envelope. Once the connection has
	// ended it returns a non-nil error: io.EOF after a clean close of a
	// TLS or DTLS stream, ErrClosed once a WebRTC data channel closes.
	Read() (*Envelope, error)

	// Close tears down the connection. Idempotent.
	Close() error

	// Kind reports which transport this connection uses.
	Kind() Kind

	// PeerCertificate returns the peer's certificate for TLS and DTLS
	// connections; nil for WebRTC, whose peer identity comes from the P2P
	// manager's HELLO exchange, and for gossip, which has no per-hop
	// handshake.
	PeerCertificate() *x509.Certificate
}
