/*
File Name:  commit.go
Author:     dpc contributors

Knowledge commit hashing and signing. A commit's identity is entirely
derived from a canonical JSON rendering of its content, so two nodes
that independently construct the "same" commit agree on its hash
without exchanging anything but the content itself.
*/

package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dpcmesh/dpc/internal/identity"
)

// ConsensusType records how a commit reached approval.
type ConsensusType string

const (
	ConsensusUnanimous ConsensusType = "unanimous"
	ConsensusMajority  ConsensusType = "majority"
)

// KnowledgeEntry is one immutable fact inside a commit.
type KnowledgeEntry struct {
	Content               string   `json:"content"`
	Tags                  []string `json:"tags"`
	Confidence            float64  `json:"confidence"`
	SourceMetadata        string   `json:"source_metadata,omitempty"`
	AlternativeViewpoints []string `json:"alternative_viewpoints"`
	CulturalSpecific      bool     `json:"cultural_specific"`
}

// KnowledgeCommit is one node in a topic's commit chain.
type KnowledgeCommit struct {
	CommitId             string            `json:"commit_id"`
	CommitHash           string            `json:"commit_hash"`
	ParentCommitId        string            `json:"parent_commit_id"`
	Topic                string            `json:"topic"`
	Summary              string            `json:"summary"`
	Description          string            `json:"description"`
	Entries              []KnowledgeEntry  `json:"entries"`
	Participants         []string          `json:"participants"`
	ApprovedBy           []string          `json:"approved_by"`
	RejectedBy           []string          `json:"rejected_by"`
	ConsensusType        ConsensusType     `json:"consensus_type"`
	Confidence           float64           `json:"confidence"`
	CulturalPerspectives []string          `json:"cultural_perspectives"`
	Signatures           map[string]string `json:"signatures"` // node_id -> base64 RSA-PSS signature
	Timestamp            string            `json:"timestamp"`  // ISO-8601, microsecond precision
}

// ErrChainBroken is returned by VerifyChain when parent linkage or hash
// continuity fails.
var ErrChainBroken = errors.New("commit: chain is broken")

// ErrCycle is returned by VerifyChain when a cycle is detected.
var ErrCycle = errors.New("commit: chain contains a cycle")

// nowISO8601Micro formats t with microsecond precision, matching the
// canonical hash input's timestamp field.
func nowISO8601Micro(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// canonicalEntry is the entry shape serialized into the canonical hash
// input: sorted tags/alternative_viewpoints, confidence rounded to 2dp.
type canonicalEntry struct {
	Content               string   `json:"content"`
	Tags                  []string `json:"tags"`
	Confidence            float64  `json:"confidence"`
	CulturalSpecific      bool     `json:"cultural_specific"`
	AlternativeViewpoints []string `json:"alternative_viewpoints"`
}

type canonicalCommit struct {
	Parent               string           `json:"parent"`
	Timestamp            string           `json:"timestamp"`
	Topic                string           `json:"topic"`
	Summary              string           `json:"summary"`
	Description          string           `json:"description"`
	Entries              []canonicalEntry `json:"entries"`
	Participants         []string         `json:"participants"`
	ApprovedBy           []string         `json:"approved_by"`
	RejectedBy           []string         `json:"rejected_by"`
	CulturalPerspectives []string         `json:"cultural_perspectives"`
	Confidence           float64          `json:"confidence"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// CanonicalJSON renders c's hash input: a JSON object with keys in
// lexicographic order and no extraneous whitespace. The key order comes
// from marshalSortedKeys, which re-sorts the keys, not from the
// declaration order of canonicalCommit's fields.
func CanonicalJSON(c KnowledgeCommit) ([]byte, error) {
	entries := make([]canonicalEntry, len(c.Entries))
	for i, e := range c.Entries {
		entries[i] = canonicalEntry{
			Content:               e.Content,
			Tags:                  sortedCopy(e.Tags),
			Confidence:            round2(e.Confidence),
			CulturalSpecific:      e.CulturalSpecific,
			AlternativeViewpoints: sortedCopy(e.AlternativeViewpoints),
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Content < entries[j].Content })

	cc := canonicalCommit{
		Parent:               c.ParentCommitId,
		Timestamp:            c.Timestamp,
		Topic:                c.Topic,
		Summary:              c.Summary,
		Description:          c.Description,
		Entries:              entries,
		Participants:         sortedCopy(c.Participants),
		ApprovedBy:           sortedCopy(c.ApprovedBy),
		RejectedBy:           sortedCopy(c.RejectedBy),
		CulturalPerspectives: sortedCopy(c.CulturalPerspectives),
		Confidence:           round2(c.Confidence),
	}

	return marshalSortedKeys(cc)
}

// marshalSortedKeys marshals v via encoding/json then re-orders every
// object's keys lexicographically, guaranteeing a stable byte
// representation regardless of struct field declaration order.
func marshalSortedKeys(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = appendCanonical(buf, generic)
	return buf, err
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		b, err := json.Marshal(val)
		return append(buf, b...), err
	}
}

// Hash computes commit_hash = hex(sha256(canonical_json)).
func Hash(c KnowledgeCommit) (string, error) {
	data, err := CanonicalJSON(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Finalize computes and assigns CommitHash and CommitId from c's
// current content. Call this once content is final, before signing.
func Finalize(c KnowledgeCommit) (KnowledgeCommit, error) {
	if c.Timestamp == "" {
		c.Timestamp = nowISO8601Micro(time.Now())
	}
	h, err := Hash(c)
	if err != nil {
		return c, err
	}
	c.CommitHash = h
	c.CommitId = "commit-" + h[:16]
	return c, nil
}

// Sign adds id's signature over commit_hash to c.Signatures.
func Sign(c KnowledgeCommit, id *identity.Identity) (KnowledgeCommit, error) {
	if c.CommitHash == "" {
		return c, errors.New("commit: cannot sign before Finalize")
	}
	sig, err := identity.SignPSS(id.PrivateKey, []byte(c.CommitHash))
	if err != nil {
		return c, err
	}
	if c.Signatures == nil {
		c.Signatures = make(map[string]string)
	}
	c.Signatures[id.NodeId] = sig
	return c, nil
}

// VerifySignatures checks every entry in c.Signatures against the
// corresponding certificate resolved by certFor(node_id). A missing
// resolver entry or a verification failure is reported by node_id.
func VerifySignatures(c KnowledgeCommit, certFor func(nodeID string) (*identity.Identity, error)) map[string]error {
	results := make(map[string]error, len(c.Signatures))
	for nodeID, sig := range c.Signatures {
		id, err := certFor(nodeID)
		if err != nil {
			results[nodeID] = err
			continue
		}
		if err := identity.VerifyPSS(&id.PrivateKey.PublicKey, []byte(c.CommitHash), sig); err != nil {
			results[nodeID] = err
		}
	}
	return results
}

// VerifyChain checks parent-linkage and hash continuity across commits
// ordered oldest-first within one topic. The first commit must have an
// empty ParentCommitId (genesis).
func VerifyChain(commits []KnowledgeCommit) error {
	seen := make(map[string]bool, len(commits))
	for i, c := range commits {
		if i == 0 {
			if c.ParentCommitId != "" {
				return fmt.Errorf("%w: genesis commit %s has non-empty parent", ErrChainBroken, c.CommitId)
			}
		} else {
			prev := commits[i-1]
			if c.ParentCommitId != prev.CommitId {
				return fmt.Errorf("%w: commit %s parent %q does not match previous commit %s", ErrChainBroken, c.CommitId, c.ParentCommitId, prev.CommitId)
			}
			if len(prev.CommitHash) < 16 || prev.CommitHash[:16] != prev.CommitId[len("commit-"):] {
				return fmt.Errorf("%w: commit %s hash/id mismatch", ErrChainBroken, prev.CommitId)
			}
		}
		if seen[c.CommitId] {
			return fmt.Errorf("%w: commit %s appears twice", ErrCycle, c.CommitId)
		}
		seen[c.CommitId] = true
	}
	return nil
}
