/*
File Name:  rpc.go
Author:     dpc contributors

UDP RPC wire format and transport for the four Kademlia messages: PING,
FIND_NODE, STORE, FIND_VALUE. One socket per DHT instance; responses are
matched to requests by rpc_id.
*/

package dht

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Message types.
const (
	TypePing      = "PING"
	TypeFindNode  = "FIND_NODE"
	TypeStore     = "STORE"
	TypeFindValue = "FIND_VALUE"

	TypePong     = "PONG"
	TypeNodes    = "NODES"
	TypeStored   = "STORED"
	TypeValue    = "VALUE"
)

// WireNode is the over-the-wire representation of a DHTNode.
type WireNode struct {
	NodeId string `json:"node_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// Message is the single JSON envelope for all DHT UDP traffic.
type Message struct {
	Type      string     `json:"type"`
	RPCId     string     `json:"rpc_id"`
	NodeId    string     `json:"node_id"`
	Timestamp int64      `json:"timestamp"`
	TargetId  string     `json:"target_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	Value     string     `json:"value,omitempty"`
	Nodes     []WireNode `json:"nodes,omitempty"`
	Ok        *bool      `json:"ok,omitempty"`
}

func newRPCId() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// pendingRPC is a single outgoing request awaiting a response, matched
// by rpc_id. Resolved exactly once, whichever path wins (response,
// timeout, or shutdown).
type pendingRPC struct {
	resultCh chan *Message
	once     sync.Once
}

func (p *pendingRPC) resolve(msg *Message) {
	p.once.Do(func() {
		p.resultCh <- msg
		close(p.resultCh)
	})
}

// rateLimiter is a simple fixed-window per-source-IP request counter.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	counts    map[string]int
	windowEnd time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:    window,
		limit:     limit,
		counts:    make(map[string]int),
		windowEnd: time.Now().Add(window),
	}
}

// Allow reports whether a request from ip may proceed, incrementing its
// counter. Oversubscribing sources are silently denied.
func (r *rateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Now().After(r.windowEnd) {
		r.counts = make(map[string]int)
		r.windowEnd = time.Now().Add(r.window)
	}

	r.counts[ip]++
	return r.counts[ip] <= r.limit
}

// sendRPC marshals and sends msg to addr over the DHT's shared socket.
func (d *DHT) sendRPC(addr *net.UDPAddr, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > d.maxPacketSize {
		return fmt.Errorf("dht: outgoing packet exceeds max size (%d > %d)", len(data), d.maxPacketSize)
	}
	_, err = d.conn.WriteToUDP(data, addr)
	return err
}

// request sends msg to addr and waits up to d.rpcTimeout for a matching
// response, retrying up to d.rpcMaxRetries times with the same rpc_id.
func (d *DHT) request(addr *net.UDPAddr, msg *Message) (*Message, error) {
	pending := &pendingRPC{resultCh: make(chan *Message, 1)}

	d.pendingMu.Lock()
	d.pending[msg.RPCId] = pending
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, msg.RPCId)
		d.pendingMu.Unlock()
	}()

	attempts := d.rpcMaxRetries + 1
	for i := 0; i < attempts; i++ {
		if err := d.sendRPC(addr, msg); err != nil {
			return nil, err
		}
		select {
		case resp := <-pending.resultCh:
			if resp == nil {
				return nil, ErrShutdown
			}
			return resp, nil
		case <-time.After(d.rpcTimeout):
			continue
		case <-d.shutdown:
			return nil, ErrShutdown
		}
	}
	return nil, ErrTimeout
}

// receiveLoop reads incoming datagrams, enforces the per-IP rate limit,
// refreshes the routing table with the sender, and dispatches the
// message either to a waiting request (if it's a response) or to the
// request handler (if it's a query).
func (d *DHT) receiveLoop() {
	buf := make([]byte, d.maxPacketSize)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.shutdown:
				return
			default:
				continue
			}
		}

		if !d.limiter.Allow(addr.IP.String()) {
			continue // oversubscribing peers are ignored
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}

		if msg.NodeId != "" && msg.NodeId != d.self {
			d.Routing.AddNode(msg.NodeId, addr.IP, addr.Port)
		}

		switch msg.Type {
		case TypePong, TypeNodes, TypeStored, TypeValue:
			d.pendingMu.Lock()
			pending, ok := d.pending[msg.RPCId]
			d.pendingMu.Unlock()
			if ok {
				msgCopy := msg
				pending.resolve(&msgCopy)
			}
		case TypePing, TypeFindNode, TypeStore, TypeFindValue:
			msgCopy := msg
			go d.handleRequest(&msgCopy, addr)
		}
	}
}

func (d *DHT) handleRequest(msg *Message, addr *net.UDPAddr) {
	switch msg.Type {
	case TypePing:
		d.sendRPC(addr, &Message{Type: TypePong, RPCId: msg.RPCId, NodeId: d.self})

	case TypeFindNode:
		closest := d.Routing.ClosestNodes(msg.TargetId, d.k, msg.NodeId)
		d.sendRPC(addr, &Message{Type: TypeNodes, RPCId: msg.RPCId, NodeId: d.self, Nodes: toWireNodes(closest)})

	case TypeStore:
		d.Storage.Put(msg.Key, msg.Value)
		ok := true
		d.sendRPC(addr, &Message{Type: TypeStored, RPCId: msg.RPCId, NodeId: d.self, Ok: &ok})

	case TypeFindValue:
		if val, found := d.Storage.Get(msg.Key); found {
			d.sendRPC(addr, &Message{Type: TypeValue, RPCId: msg.RPCId, NodeId: d.self, Value: val})
		} else {
			closest := d.Routing.ClosestNodes(msg.Key, d.k, msg.NodeId)
			d.sendRPC(addr, &Message{Type: TypeValue, RPCId: msg.RPCId, NodeId: d.self, Nodes: toWireNodes(closest)})
		}
	}
}

func toWireNodes(nodes []*DHTNode) []WireNode {
	wn := make([]WireNode, len(nodes))
	for i, n := range nodes {
		wn[i] = WireNode{NodeId: n.NodeId, IP: n.IP.String(), Port: n.Port}
	}
	return wn
}

func fromWireNodes(nodes []WireNode) []*DHTNode {
	dn := make([]*DHTNode, 0, len(nodes))
	for _, n := range nodes {
		dn = append(dn, &DHTNode{NodeId: n.NodeId, IP: net.ParseIP(n.IP), Port: n.Port, LastSeen: time.Now()})
	}
	return dn
}
