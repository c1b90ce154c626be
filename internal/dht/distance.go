/*
File Name:  distance.go
Author:     dpc contributors

XOR distance and bucket-index arithmetic over the 128-bit NodeId space.
NodeIds are of the form "dpc-node-<32 hex chars>"; only the hex suffix
participates in distance math.
*/

package dht

import (
	"errors"
	"math/big"
	"strings"
)

// IDPrefix matches identity.NodeIdPrefix; duplicated here (a short
// string constant) so this package has no dependency on internal/identity.
const IDPrefix = "dpc-node-"

// ErrSelfDistance is returned when asked for the bucket index of the
// zero distance (comparing an ID to itself); the source material treats
// this as an error, never a valid bucket.
var ErrSelfDistance = errors.New("dht: zero XOR distance (self comparison)")

// hexSuffix extracts the ID bytes to do XOR math over.
func hexSuffix(nodeID string) *big.Int {
	suffix := strings.TrimPrefix(nodeID, IDPrefix)
	v := new(big.Int)
	v.SetString(suffix, 16)
	return v
}

// XORDistance returns XOR_distance(a, b) as a big.Int.
func XORDistance(a, b string) *big.Int {
	return new(big.Int).Xor(hexSuffix(a), hexSuffix(b))
}

// BucketIndex returns floor(log2(distance)) for the XOR distance between
// a and b. Distance 0 (a == b) is invalid and returns ErrSelfDistance.
func BucketIndex(a, b string) (int, error) {
	dist := XORDistance(a, b)
	if dist.Sign() == 0 {
		return 0, ErrSelfDistance
	}
	return dist.BitLen() - 1, nil
}

// closerTo reports whether a is XOR-closer to target than b is, with
// ties broken by NodeId lexicographic order.
func closerTo(target, a, b string) bool {
	da := XORDistance(target, a)
	db := XORDistance(target, b)
	switch da.Cmp(db) {
	case -1:
		return true
	case 1:
		return false
	default:
		return a < b
	}
}

// IDBits is the width of the ID space (128 bits, matching the 32 hex
// nibble suffix of a NodeId).
const IDBits = 128
