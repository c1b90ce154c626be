/*
File Name:  routing.go
Author:     dpc contributors

Routing table of 128 K-buckets with LRU ordering, a bounded replacement
cache, and /24-subnet diversity limiting. Mutated only by the DHT's
receive and maintenance tasks per the single-lock discipline in the
concurrency model; other callers use the exported snapshot methods.
*/

package dht

import (
	"net"
	"strings"
	"sync"
	"time"
)

// DHTNode is a remote node as known to the routing table.
type DHTNode struct {
	NodeId      string
	IP          net.IP
	Port        int
	LastSeen    time.Time
	FailedPings int
}

func (n *DHTNode) subnet() string {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return n.IP.String() // IPv6: no /24 grouping, treat address as its own group
	}
	return strings.Join(strings.Split(ip4.String(), ".")[:3], ".")
}

// KBucket holds at most k live DHTNodes (LRU front = oldest) plus a
// bounded FIFO replacement cache.
type KBucket struct {
	Nodes       []*DHTNode // index 0 = oldest (front), last = most recently seen
	Replacement []*DHTNode
	LastUpdated time.Time

	k                    int
	subnetDiversityLimit int
	replacementCap       int
}

func newKBucket(k, subnetDiversityLimit int) *KBucket {
	return &KBucket{
		k:                    k,
		subnetDiversityLimit: subnetDiversityLimit,
		replacementCap:       k,
	}
}

func (b *KBucket) indexOf(nodeID string) int {
	for i, n := range b.Nodes {
		if n.NodeId == nodeID {
			return i
		}
	}
	return -1
}

func (b *KBucket) subnetCount(subnet string) int {
	count := 0
	for _, n := range b.Nodes {
		if n.subnet() == subnet {
			count++
		}
	}
	return count
}

// RoutingTable is 128 K-buckets indexed by the bucket index of the
// node's XOR distance to self. Self is never stored.
type RoutingTable struct {
	mu      sync.Mutex
	self    string
	buckets [IDBits]*KBucket

	k                    int
	subnetDiversityLimit int
	staleThreshold       time.Duration
}

// NewRoutingTable creates an empty routing table for the given self ID.
func NewRoutingTable(self string, k, subnetDiversityLimit int, staleThreshold time.Duration) *RoutingTable {
	rt := &RoutingTable{
		self:                 self,
		k:                    k,
		subnetDiversityLimit: subnetDiversityLimit,
		staleThreshold:       staleThreshold,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(k, subnetDiversityLimit)
	}
	return rt
}

// AddNode inserts or refreshes a node per the §4.3 add_node algorithm.
// It is a no-op if id equals self.
func (rt *RoutingTable) AddNode(id string, ip net.IP, port int) {
	if id == rt.self {
		return
	}
	idx, err := BucketIndex(rt.self, id)
	if err != nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[idx]
	node := &DHTNode{NodeId: id, IP: ip, Port: port, LastSeen: time.Now()}

	if pos := bucket.indexOf(id); pos >= 0 {
		// Already present: move to most-recently-seen (back) position, refresh.
		existing := bucket.Nodes[pos]
		existing.IP = ip
		existing.Port = port
		existing.LastSeen = time.Now()
		existing.FailedPings = 0
		bucket.Nodes = append(bucket.Nodes[:pos], bucket.Nodes[pos+1:]...)
		bucket.Nodes = append(bucket.Nodes, existing)
		bucket.LastUpdated = time.Now()
		return
	}

	if len(bucket.Nodes) < bucket.k && bucket.subnetCount(node.subnet()) < bucket.subnetDiversityLimit {
		bucket.Nodes = append(bucket.Nodes, node)
		bucket.LastUpdated = time.Now()
		return
	}

	// Bucket full (or subnet limit hit): evict oldest if stale.
	if len(bucket.Nodes) > 0 {
		oldest := bucket.Nodes[0]
		if time.Since(oldest.LastSeen) > rt.staleThreshold {
			bucket.Nodes = bucket.Nodes[1:]
			bucket.Nodes = append(bucket.Nodes, node)
			bucket.LastUpdated = time.Now()
			return
		}
	}

	// Push to bounded replacement cache (FIFO).
	bucket.Replacement = append(bucket.Replacement, node)
	if len(bucket.Replacement) > bucket.replacementCap {
		bucket.Replacement = bucket.Replacement[1:]
	}
}

// RemoveNode drops id from its bucket and promotes the newest
// replacement-cache entry, if any.
func (rt *RoutingTable) RemoveNode(id string) {
	idx, err := BucketIndex(rt.self, id)
	if err != nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[idx]
	if pos := bucket.indexOf(id); pos >= 0 {
		bucket.Nodes = append(bucket.Nodes[:pos], bucket.Nodes[pos+1:]...)
		if len(bucket.Replacement) > 0 {
			promoted := bucket.Replacement[len(bucket.Replacement)-1]
			bucket.Replacement = bucket.Replacement[:len(bucket.Replacement)-1]
			bucket.Nodes = append(bucket.Nodes, promoted)
		}
		bucket.LastUpdated = time.Now()
	}
}

// MarkFailedPing increments the failed-ping counter for id.
func (rt *RoutingTable) MarkFailedPing(id string) (failures int) {
	idx, err := BucketIndex(rt.self, id)
	if err != nil {
		return 0
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[idx]
	if pos := bucket.indexOf(id); pos >= 0 {
		bucket.Nodes[pos].FailedPings++
		return bucket.Nodes[pos].FailedPings
	}
	return 0
}

// ClosestNodes returns up to count nodes from the whole table closest to
// target, excluding the given NodeId (typically the requester).
func (rt *RoutingTable) ClosestNodes(target string, count int, exclude string) []*DHTNode {
	rt.mu.Lock()
	var all []*DHTNode
	for _, b := range rt.buckets {
		for _, n := range b.Nodes {
			if n.NodeId != exclude {
				all = append(all, n)
			}
		}
	}
	rt.mu.Unlock()

	sortByDistance(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// AllNodes returns every node currently stored across all buckets.
func (rt *RoutingTable) AllNodes() []*DHTNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []*DHTNode
	for _, b := range rt.buckets {
		all = append(all, b.Nodes...)
	}
	return all
}

// Count returns the total number of live nodes stored in the table.
func (rt *RoutingTable) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, b := range rt.buckets {
		n += len(b.Nodes)
	}
	return n
}

// StaleBuckets returns the bucket indices whose LastUpdated is older
// than interval and which contain at least one node (empty buckets have
// nothing to refresh toward).
func (rt *RoutingTable) StaleBuckets(interval time.Duration) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var stale []int
	for i, b := range rt.buckets {
		if len(b.Nodes) > 0 && time.Since(b.LastUpdated) > interval {
			stale = append(stale, i)
		}
	}
	return stale
}

func sortByDistance(nodes []*DHTNode, target string) {
	// insertion sort: buckets are small (k~20), this stays cheap and
	// keeps the comparator symmetric with closerTo's tie-break rule.
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && closerTo(target, nodes[j].NodeId, nodes[j-1].NodeId) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}
