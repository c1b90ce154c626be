/*
File Name:  lookup.go
Author:     dpc contributors

Iterative Kademlia lookup (FindNode), Bootstrap, Announce and FindPeer,
plus the periodic bucket-refresh maintenance loop.
*/

package dht

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrNoResponsiveSeed is returned by Bootstrap when none of the given
// seeds answered a PING.
var ErrNoResponsiveSeed = errors.New("dht: no seed responded")

func (d *DHT) ping(addr *net.UDPAddr) (*DHTNode, error) {
	resp, err := d.request(addr, &Message{Type: TypePing, RPCId: newRPCId(), NodeId: d.self, Timestamp: nowUnixNano()})
	if err != nil {
		return nil, err
	}
	return &DHTNode{NodeId: resp.NodeId, IP: addr.IP, Port: addr.Port, LastSeen: time.Now()}, nil
}

func (d *DHT) findNodeRPC(addr *net.UDPAddr, target string) ([]*DHTNode, error) {
	resp, err := d.request(addr, &Message{Type: TypeFindNode, RPCId: newRPCId(), NodeId: d.self, TargetId: target, Timestamp: nowUnixNano()})
	if err != nil {
		return nil, err
	}
	return fromWireNodes(resp.Nodes), nil
}

func (d *DHT) findValueRPC(addr *net.UDPAddr, key string) (value string, nodes []*DHTNode, err error) {
	resp, err := d.request(addr, &Message{Type: TypeFindValue, RPCId: newRPCId(), NodeId: d.self, Key: key, Timestamp: nowUnixNano()})
	if err != nil {
		return "", nil, err
	}
	if resp.Value != "" {
		return resp.Value, nil, nil
	}
	return "", fromWireNodes(resp.Nodes), nil
}

func (d *DHT) storeRPC(addr *net.UDPAddr, key, value string) (bool, error) {
	resp, err := d.request(addr, &Message{Type: TypeStore, RPCId: newRPCId(), NodeId: d.self, Key: key, Value: value, Timestamp: nowUnixNano()})
	if err != nil {
		return false, err
	}
	return resp.Ok != nil && *resp.Ok, nil
}

func nodeAddr(n *DHTNode) *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

// FindNode performs the classic parallel-alpha iterative Kademlia
// lookup and returns up to k nodes of its shortlist, closest to target
// first. The result is not limited to nodes that answered: it can hold
// nodes that were never queried and nodes whose query failed.
func (d *DHT) FindNode(target string) []*DHTNode {
	sl := newShortListDHT(target)
	sl.appendUnique(d.Routing.ClosestNodes(target, d.k, d.self)...)

	if sl.len() == 0 {
		return nil
	}

	for {
		candidates := sl.uncontacted(d.alpha)
		if len(candidates) == 0 {
			break
		}

		type result struct {
			nodes []*DHTNode
		}
		results := make(chan result, len(candidates))
		var wg sync.WaitGroup
		for _, c := range candidates {
			wg.Add(1)
			go func(c *DHTNode) {
				defer wg.Done()
				nodes, err := d.findNodeRPC(nodeAddr(c), target)
				if err != nil {
					d.Routing.MarkFailedPing(c.NodeId)
					return
				}
				d.Routing.AddNode(c.NodeId, c.IP, c.Port)
				results <- result{nodes: nodes}
			}(c)
		}
		go func() { wg.Wait(); close(results) }()

		bestBefore := sl.closestKnownDistance(target)
		for r := range results {
			sl.appendUnique(r.nodes...)
		}
		sl.sort(target)

		bestAfter := sl.closestKnownDistance(target)
		if bestAfter == nil || (bestBefore != nil && bestAfter.Cmp(bestBefore) >= 0) {
			// No improvement this round: query all remaining unqueried
			// among the k closest, then stop.
			remaining := sl.uncontactedAmongClosest(d.k)
			if len(remaining) == 0 {
				break
			}
			var wg2 sync.WaitGroup
			final := make(chan result, len(remaining))
			for _, c := range remaining {
				wg2.Add(1)
				go func(c *DHTNode) {
					defer wg2.Done()
					nodes, err := d.findNodeRPC(nodeAddr(c), target)
					if err != nil {
						return
					}
					final <- result{nodes: nodes}
				}(c)
			}
			go func() { wg2.Wait(); close(final) }()
			for r := range final {
				sl.appendUnique(r.nodes...)
			}
			sl.sort(target)
			break
		}
	}

	closest := sl.respondedClosest(d.k)
	return closest
}

// Bootstrap contacts each seed with PING, adding responders to the
// routing table, then performs a self-lookup and a lookup for one
// random ID per non-empty bucket to broaden coverage. It fails if no
// seed responds.
func (d *DHT) Bootstrap(seeds []*net.UDPAddr) error {
	responded := 0
	for _, seedAddr := range seeds {
		node, err := d.ping(seedAddr)
		if err != nil {
			continue
		}
		d.Routing.AddNode(node.NodeId, node.IP, node.Port)
		responded++
	}
	if responded == 0 {
		return ErrNoResponsiveSeed
	}

	d.FindNode(d.self)

	for _, idx := range d.Routing.StaleBuckets(0) {
		randomID := randomIDInBucket(d.self, idx)
		d.FindNode(randomID)
	}
	return nil
}

// Announce stores (self.NodeId -> ip:port) on the k nodes closest to
// self, returning the number of successful stores.
func (d *DHT) Announce(externalIP net.IP, externalPort int) int {
	value := externalIP.String() + ":" + itoa(externalPort)
	return d.storeToClosest(d.self, value)
}

// AnnounceCertificate stores this node's certificate PEM under
// "cert:<NodeId>" on the k nodes closest to self.
func (d *DHT) AnnounceCertificate(certPEM []byte) int {
	return d.storeToClosest(CertKeyPrefix+d.self, string(certPEM))
}

func (d *DHT) storeToClosest(key, value string) int {
	closest := d.FindNode(d.self)
	success := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, n := range closest {
		wg.Add(1)
		go func(n *DHTNode) {
			defer wg.Done()
			ok, err := d.storeRPC(nodeAddr(n), key, value)
			if err == nil && ok {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	return success
}

// FindPeer performs iterative FIND_VALUE for the given target NodeId,
// parsing the discovered value as "ip:port". Returns nil if not found.
func (d *DHT) FindPeer(targetNodeID string) *net.UDPAddr {
	return d.iterativeFindValue(targetNodeID, func(value string) *net.UDPAddr {
		addr, err := net.ResolveUDPAddr("udp", value)
		if err != nil {
			return nil
		}
		return addr
	})
}

// FindValue performs iterative FIND_VALUE for an arbitrary key (e.g.
// "cert:<NodeId>") and returns the raw stored value, if found.
func (d *DHT) FindValue(key string) (string, bool) {
	var found string
	var ok bool
	d.iterativeFindValueRaw(key, func(v string) { found = v; ok = true })
	return found, ok
}

func (d *DHT) iterativeFindValue(key string, parse func(string) *net.UDPAddr) *net.UDPAddr {
	var result *net.UDPAddr
	d.iterativeFindValueRaw(key, func(v string) {
		result = parse(v)
	})
	return result
}

func (d *DHT) iterativeFindValueRaw(key string, onFound func(string)) {
	sl := newShortListDHT(key)
	sl.appendUnique(d.Routing.ClosestNodes(key, d.k, d.self)...)
	if sl.len() == 0 {
		return
	}

	for round := 0; round < IDBits; round++ {
		candidates := sl.uncontacted(d.alpha)
		if len(candidates) == 0 {
			return
		}

		type vres struct {
			value string
			nodes []*DHTNode
			found bool
		}
		results := make(chan vres, len(candidates))
		var wg sync.WaitGroup
		for _, c := range candidates {
			wg.Add(1)
			go func(c *DHTNode) {
				defer wg.Done()
				value, nodes, err := d.findValueRPC(nodeAddr(c), key)
				if err != nil {
					return
				}
				if value != "" {
					results <- vres{value: value, found: true}
					return
				}
				results <- vres{nodes: nodes}
			}(c)
		}
		go func() { wg.Wait(); close(results) }()

		for r := range results {
			if r.found {
				onFound(r.value)
				return
			}
			sl.appendUnique(r.nodes...)
		}
		sl.sort(key)
	}
}

func randomIDInBucket(self string, bucketIdx int) string {
	// A node in bucket i differs from self at bit position i (counting
	// from the low bit) and matches self above that bit; below it, bits
	// are arbitrary. We approximate by flipping bit bucketIdx of self
	// and randomizing the lower bits.
	selfInt := hexSuffix(self)
	flip := new(big.Int).Lsh(big.NewInt(1), uint(bucketIdx))
	target := new(big.Int).Xor(selfInt, flip)

	if bucketIdx > 0 {
		maskBits := bucketIdx
		randBytes := make([]byte, (maskBits+7)/8)
		rand.Read(randBytes)
		randLower := new(big.Int).SetBytes(randBytes)
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(maskBits)), big.NewInt(1))
		randLower.And(randLower, mask)
		target.AndNot(target, mask)
		target.Or(target, randLower)
	}

	hexStr := target.Text(16)
	for len(hexStr) < 32 {
		hexStr = "0" + hexStr
	}
	return IDPrefix + hexStr
}

// maintenanceLoop refreshes stale buckets on a fixed interval until
// shutdown.
func (d *DHT) maintenanceLoop() {
	ticker := time.NewTicker(d.bucketRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			for _, idx := range d.Routing.StaleBuckets(d.bucketRefreshInterval) {
				randomID := randomIDInBucket(d.self, idx)
				d.FindNode(randomID)
			}
		}
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
