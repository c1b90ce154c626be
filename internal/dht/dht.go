/*
File Name:  dht.go
Author:     dpc contributors

DHT ties together the routing table, local storage, and UDP RPC
transport into the node-facing API: bootstrap, announce, find_peer,
find_node, and a periodic bucket-refresh maintenance loop.
*/

package dht

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrTimeout is returned by request() when all retries are exhausted.
var ErrTimeout = errors.New("dht: request timed out")

// ErrShutdown is returned by in-flight requests when the DHT is closed.
var ErrShutdown = errors.New("dht: shut down")

func nowUnixNano() int64 { return time.Now().UnixNano() }

// Config bundles the tunables from §5's timeout table and §4.3.
type Config struct {
	K                     int
	Alpha                 int
	SubnetDiversityLimit  int
	StaleThreshold        time.Duration
	BucketRefreshInterval time.Duration
	RPCTimeout            time.Duration
	RPCMaxRetries         int
	MaxPacketSize         int
	RateLimitPerWindow    int
	RateLimitWindow       time.Duration
}

// DHT is a single node's Kademlia participant.
type DHT struct {
	self string
	conn *net.UDPConn

	Routing *RoutingTable
	Storage *Storage

	k             int
	alpha         int
	rpcTimeout    time.Duration
	rpcMaxRetries int
	maxPacketSize int

	limiter *rateLimiter

	bucketRefreshInterval time.Duration

	pendingMu sync.Mutex
	pending   map[string]*pendingRPC

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a DHT bound to listenAddr for node self. Start must be
// called to begin the receive and maintenance loops.
func New(self, listenAddr string, cfg Config) (*DHT, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	if cfg.K == 0 {
		cfg.K = 20
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 3
	}
	if cfg.SubnetDiversityLimit == 0 {
		cfg.SubnetDiversityLimit = 2
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 8 * 1024
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	if cfg.RateLimitPerWindow == 0 {
		cfg.RateLimitPerWindow = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Second
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	if cfg.BucketRefreshInterval == 0 {
		cfg.BucketRefreshInterval = time.Hour
	}

	d := &DHT{
		self:          self,
		conn:          conn,
		Routing:       NewRoutingTable(self, cfg.K, cfg.SubnetDiversityLimit, cfg.StaleThreshold),
		Storage:       NewStorage(),
		k:             cfg.K,
		alpha:         cfg.Alpha,
		rpcTimeout:    cfg.RPCTimeout,
		rpcMaxRetries: cfg.RPCMaxRetries,
		maxPacketSize: cfg.MaxPacketSize,
		limiter:       newRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow),
		pending:       make(map[string]*pendingRPC),
		shutdown:      make(chan struct{}),
	}
	d.bucketRefreshInterval = cfg.BucketRefreshInterval
	return d, nil
}

// Start launches the receive loop and the periodic maintenance task.
func (d *DHT) Start() {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.receiveLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.maintenanceLoop()
	}()
}

// Close shuts down the DHT: cancels pending requests, stops tasks, and
// closes the socket.
func (d *DHT) Close() error {
	close(d.shutdown)
	err := d.conn.Close()

	d.pendingMu.Lock()
	for id, p := range d.pending {
		p.resolve(nil)
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()

	d.wg.Wait()
	return err
}

// LocalAddr returns the UDP address this DHT is listening on.
func (d *DHT) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Self returns this DHT's own NodeId.
func (d *DHT) Self() string { return d.self }
