/*
File Name:  webrtc.go
Author:     dpc contributors

WebRTC datachannel transport. SDP/ICE negotiation travels over the Hub
signaling client (internal/signaling); once the datachannel opens, it is
adapted to the PeerConnection contract here.
*/

package transport

import (
	"crypto/x509"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
)

// ICEServers builds the pion configuration from STUN/TURN server lists.
func ICEServers(stunServers, turnServers []string, turnUser, turnPass string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:" + s}})
	}
	for _, s := range turnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{"turn:" + s},
			Username:   turnUser,
			Credential: turnPass,
		})
	}
	return servers
}

// WebRTCConnection adapts an *webrtc.DataChannel (plus its parent
// PeerConnection, kept alive for the duration) to PeerConnection.
type WebRTCConnection struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	// peerCert is optional: WebRTC itself doesn't carry an X.509 node
	// certificate, so identity here is established by the HELLO exchange
	// at the P2P manager layer instead of a TLS-style handshake.
	peerCert *x509.Certificate

	mu       sync.Mutex
	closed   bool
	inbox    chan []byte
	inboxErr chan error
}

// NewWebRTCConnection wires an already-negotiated data channel (opened
// via signaling-relayed SDP/ICE) into a PeerConnection.
func NewWebRTCConnection(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *WebRTCConnection {
	w := &WebRTCConnection{
		pc:       pc,
		dc:       dc,
		inbox:    make(chan []byte, 64),
		inboxErr: make(chan error, 1),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.inbox <- msg.Data
	})
	dc.OnClose(func() {
		w.inboxErr <- ErrClosed
	})

	return w
}

// Send marshals msg as one JSON datachannel message. WebRTC data
// channels are already message-oriented, so no §4.2 length-prefix
// framing is needed here (that framing is for byte streams: TLS/DTLS).
func (w *WebRTCConnection) Send(msg Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.dc.Send(data)
}

func (w *WebRTCConnection) Read() (*Envelope, error) {
	select {
	case data := <-w.inbox:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		return &env, nil
	case err := <-w.inboxErr:
		return nil, err
	}
}

func (w *WebRTCConnection) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.dc.Close()
	return w.pc.Close()
}

func (w *WebRTCConnection) Kind() Kind { return KindWebRTC }

func (w *WebRTCConnection) PeerCertificate() *x509.Certificate { return w.peerCert }
