/*
File Name:  signaling.go
Author:     dpc contributors

Signaling client: a JWT-authenticated WebSocket connection to the Hub's
/ws/signal endpoint, used to relay SDP offers/answers and ICE candidates
for WebRTC peer connections that cannot hole-punch directly, and to
learn about peer presence. Reconnects with exponential backoff and
reports its state to C12 Connection Status.
*/

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType enumerates the signaling envelope kinds relayed by the Hub.
type MessageType string

const (
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice_candidate"
	MsgPeerOnline   MessageType = "peer_online"
	MsgPeerOffline  MessageType = "peer_offline"
)

// Message is the envelope exchanged over /ws/signal.
type Message struct {
	Type   MessageType     `json:"type"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ErrNotConnected is returned by Send when the signaling socket is down.
var ErrNotConnected = errors.New("signaling: not connected to hub")

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
)

// Client maintains a reconnecting WebSocket to the Hub's signaling
// endpoint and dispatches inbound messages by type.
type Client struct {
	hubURL string
	token  string

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	backoff time.Duration

	handlers map[MessageType]func(Message)

	onStateChange func(connected bool)
}

// New creates a signaling Client for hubURL (e.g. "https://hub.example.com")
// authenticated with a JWT issued by the Hub's OAuth callback.
func New(hubURL, token string) *Client {
	return &Client{
		hubURL:   hubURL,
		token:    token,
		backoff:  initialBackoff,
		handlers: make(map[MessageType]func(Message)),
	}
}

// OnStateChange registers a callback invoked whenever the signaling
// socket connects or disconnects. C12 uses this to derive HUB_OFFLINE.
func (c *Client) OnStateChange(fn func(connected bool)) { c.onStateChange = fn }

// Handle registers a dispatch callback for an inbound message type.
func (c *Client) Handle(t MessageType, fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = fn
}

// Run connects and maintains the connection until Close is called,
// reconnecting with exponential backoff on failure. Intended to be run
// in its own goroutine.
func (c *Client) Run() {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.connectAndServe(); err != nil {
			log.Printf("signaling: connection lost: %v", err)
			c.setConnected(false)
		}

		c.mu.Lock()
		closed = c.closed
		wait := c.backoff
		c.backoff *= 2
		if c.backoff > maxBackoff {
			c.backoff = maxBackoff
		}
		c.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(wait)
	}
}

func (c *Client) connectAndServe() error {
	u, err := buildWSURL(c.hubURL)
	if err != nil {
		return err
	}

	header := map[string][]string{"Authorization": {"Bearer " + c.token}}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.backoff = initialBackoff
	c.mu.Unlock()
	c.setConnected(true)

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("signaling: malformed message: %v", err)
			continue
		}

		c.mu.Lock()
		fn, ok := c.handlers[msg.Type]
		c.mu.Unlock()
		if ok {
			fn(msg)
		}
	}
}

func (c *Client) setConnected(connected bool) {
	if c.onStateChange != nil {
		c.onStateChange(connected)
	}
}

// Send relays msg to the Hub for forwarding to msg.To.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendOffer relays an SDP offer to peer `to`.
func (c *Client) SendOffer(to, sdp string) error {
	body, _ := json.Marshal(map[string]string{"sdp": sdp})
	return c.Send(Message{Type: MsgOffer, To: to, Body: body})
}

// SendAnswer relays an SDP answer to peer `to`.
func (c *Client) SendAnswer(to, sdp string) error {
	body, _ := json.Marshal(map[string]string{"sdp": sdp})
	return c.Send(Message{Type: MsgAnswer, To: to, Body: body})
}

// SendICECandidate relays one ICE candidate to peer `to`.
func (c *Client) SendICECandidate(to, candidate string) error {
	body, _ := json.Marshal(map[string]string{"candidate": candidate})
	return c.Send(Message{Type: MsgICECandidate, To: to, Body: body})
}

// Close shuts the signaling client down permanently; Run will not
// reconnect after this returns.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func buildWSURL(hubURL string) (*url.URL, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return nil, fmt.Errorf("signaling: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/signal"
	return u, nil
}
