/*
File Name:  consensus.go
Author:     dpc contributors

Consensus Manager: proposal lifecycle for knowledge commits. Tracks
votes, assigns a required dissenter for 3+ participant proposals,
finalizes on full participation or deadline, and on approval drives the
commit engine to materialize and sign the resulting KnowledgeCommit.
*/

package consensus

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/dpcmesh/dpc/internal/commit"
	"github.com/dpcmesh/dpc/internal/identity"
)

// Vote is one participant's decision on a Proposal.
type Vote string

const (
	VoteApprove         Vote = "approve"
	VoteReject          Vote = "reject"
	VoteRequestChanges  Vote = "request_changes"
)

// Status is a Proposal's terminal or in-flight state.
type Status string

const (
	StatusVoting         Status = "voting"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusTimeout        Status = "timeout"
	StatusRevisionNeeded Status = "revision_needed"
)

// DefaultThreshold is the fraction of approve votes required for
// approval, absent configuration.
const DefaultThreshold = 0.75

// DefaultDeadline is how long a proposal waits for votes before
// finalizing with whatever is in hand.
const DefaultDeadline = 10 * time.Minute

// CastVote is one recorded decision, optionally carrying a comment.
type CastVote struct {
	Vote              Vote
	Comment           string
	IsRequiredDissent bool
}

// Proposal is a knowledge commit awaiting approval from its participants.
type Proposal struct {
	ProposalId        string
	Topic             string
	Entries           []commit.KnowledgeEntry
	Summary           string
	Description       string
	Participants      []string
	AvgConfidence     float64
	RequiredDissenter string // empty when |participants| < 3

	mu       sync.Mutex
	votes    map[string]CastVote
	status   Status
	deadline time.Time
	done     bool

	culturalPerspectives []string
}

// ErrAlreadyVoted is returned when a participant votes twice.
var ErrAlreadyVoted = errors.New("consensus: participant already voted")

// ErrUnknownParticipant is returned when a vote comes from a node not
// in the proposal's participant list.
var ErrUnknownParticipant = errors.New("consensus: voter is not a participant")

// NewProposal creates a Proposal, assigning a required dissenter at
// random when there are 3 or more participants.
func NewProposal(proposalID, topic, summary, description string, entries []commit.KnowledgeEntry, participants []string, culturalPerspectives []string, threshold float64, deadline time.Duration) (*Proposal, error) {
	if len(participants) == 0 {
		return nil, errors.New("consensus: proposal needs at least one participant")
	}

	var dissenter string
	if len(participants) >= 3 {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(participants))))
		if err != nil {
			return nil, err
		}
		dissenter = participants[idx.Int64()]
	}

	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	sum := 0.0
	for _, e := range entries {
		sum += e.Confidence
	}
	avg := 0.0
	if len(entries) > 0 {
		avg = sum / float64(len(entries))
	}

	return &Proposal{
		ProposalId:            proposalID,
		Topic:                 topic,
		Summary:               summary,
		Description:           description,
		Entries:               entries,
		Participants:          participants,
		AvgConfidence:         avg,
		RequiredDissenter:     dissenter,
		votes:                 make(map[string]CastVote),
		status:                StatusVoting,
		deadline:              time.Now().Add(deadline),
		culturalPerspectives:  culturalPerspectives,
	}, nil
}

func (p *Proposal) isParticipant(nodeID string) bool {
	for _, id := range p.Participants {
		if id == nodeID {
			return true
		}
	}
	return false
}

// CastVoteFrom records nodeID's vote. isRequiredDissent should be true
// only when nodeID equals p.RequiredDissenter and the vote carries that
// flag explicitly from the wire message.
func (p *Proposal) CastVoteFrom(nodeID string, vote Vote, comment string, isRequiredDissent bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isParticipant(nodeID) {
		return ErrUnknownParticipant
	}
	if _, voted := p.votes[nodeID]; voted {
		return ErrAlreadyVoted
	}
	p.votes[nodeID] = CastVote{Vote: vote, Comment: comment, IsRequiredDissent: isRequiredDissent}
	return nil
}

// AllVoted reports whether every participant has cast a vote.
func (p *Proposal) AllVoted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.votes) >= len(p.Participants)
}

// DeadlinePassed reports whether the proposal's deadline has elapsed.
func (p *Proposal) DeadlinePassed() bool {
	return time.Now().After(p.deadline)
}

// Tally counts votes by kind.
func (p *Proposal) Tally() (approve, reject, requestChanges, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.votes {
		switch v.Vote {
		case VoteApprove:
			approve++
		case VoteReject:
			reject++
		case VoteRequestChanges:
			requestChanges++
		}
		total++
	}
	return
}

// Decide computes the terminal status from votes cast so far, per §4.8:
// approval_rate = approve/total; approved if rate >= threshold (with
// consensus_type unanimous iff rate == 1.0); else rejected if
// reject > request_changes; else revision_needed.
func (p *Proposal) Decide(threshold float64) (Status, commit.ConsensusType) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	approve, reject, requestChanges, total := p.Tally()
	if total == 0 {
		return StatusRevisionNeeded, ""
	}
	rate := float64(approve) / float64(total)
	if rate >= threshold {
		if rate == 1.0 {
			return StatusApproved, commit.ConsensusUnanimous
		}
		return StatusApproved, commit.ConsensusMajority
	}
	if reject > requestChanges {
		return StatusRejected, ""
	}
	return StatusRevisionNeeded, ""
}

// Finalize marks the proposal done (idempotently) and returns its
// terminal status. Safe to call from both the vote-arrival path and a
// deadline timer; only the first caller's outcome sticks.
func (p *Proposal) Finalize(threshold float64) (Status, commit.ConsensusType, bool) {
	p.mu.Lock()
	if p.done {
		status := p.status
		p.mu.Unlock()
		return status, "", false
	}
	p.done = true
	p.mu.Unlock()

	status, consensusType := p.Decide(threshold)
	if p.DeadlinePassed() && status == StatusRevisionNeeded {
		status = StatusTimeout
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	return status, consensusType, true
}

func (p *Proposal) ApprovedBy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, v := range p.votes {
		if v.Vote == VoteApprove {
			out = append(out, id)
		}
	}
	return out
}

func (p *Proposal) RejectedBy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, v := range p.votes {
		if v.Vote == VoteReject {
			out = append(out, id)
		}
	}
	return out
}

// PersonalContextStore is the narrow slice of the knowledge store
// (internal/store) that the consensus manager needs to apply an
// approved commit.
type PersonalContextStore interface {
	LastCommitID(topic string) string
	ApplyCommit(c commit.KnowledgeCommit, newVersion int) error
	NextVersion(topic string) int
}

// Manager tracks in-flight proposals and applies approved ones.
type Manager struct {
	threshold float64
	id        *identity.Identity
	store     PersonalContextStore

	mu        sync.Mutex
	proposals map[string]*Proposal

	onCommitApplied func(c commit.KnowledgeCommit)
}

// New creates a consensus Manager signing applied commits as id and
// persisting them through store.
func New(id *identity.Identity, store PersonalContextStore, threshold float64) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Manager{
		threshold: threshold,
		id:        id,
		store:     store,
		proposals: make(map[string]*Proposal),
	}
}

// OnCommitApplied registers a callback fired after an approved
// proposal's commit has been persisted, so higher layers can broadcast
// CONTEXT_UPDATED.
func (m *Manager) OnCommitApplied(fn func(c commit.KnowledgeCommit)) { m.onCommitApplied = fn }

// Track registers a proposal so Vote/CheckDeadline can find it.
func (m *Manager) Track(p *Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ProposalId] = p
}

// Get returns a tracked proposal by id.
func (m *Manager) Get(proposalID string) (*Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalID]
	return p, ok
}

// Vote records nodeID's vote on proposalID and finalizes it immediately
// if that was the last outstanding vote.
func (m *Manager) Vote(proposalID, nodeID string, vote Vote, comment string, isRequiredDissent bool) (Status, error) {
	p, ok := m.Get(proposalID)
	if !ok {
		return "", fmt.Errorf("consensus: unknown proposal %q", proposalID)
	}
	if err := p.CastVoteFrom(nodeID, vote, comment, isRequiredDissent); err != nil {
		return "", err
	}
	if p.AllVoted() {
		return m.finalizeAndApply(p)
	}
	return StatusVoting, nil
}

// CheckDeadline finalizes proposalID if its deadline has passed and it
// has not already finalized. Intended to be called by a periodic sweep.
func (m *Manager) CheckDeadline(proposalID string) (Status, error) {
	p, ok := m.Get(proposalID)
	if !ok {
		return "", fmt.Errorf("consensus: unknown proposal %q", proposalID)
	}
	if !p.DeadlinePassed() {
		return StatusVoting, nil
	}
	return m.finalizeAndApply(p)
}

func (m *Manager) finalizeAndApply(p *Proposal) (Status, error) {
	status, consensusType, first := p.Finalize(m.threshold)
	if !first {
		return status, nil
	}

	if status != StatusApproved {
		return status, nil
	}

	c := commit.KnowledgeCommit{
		Topic:                p.Topic,
		Summary:              p.Summary,
		Description:          p.Description,
		Entries:              p.Entries,
		Participants:         p.Participants,
		ApprovedBy:           p.ApprovedBy(),
		RejectedBy:           p.RejectedBy(),
		ConsensusType:        consensusType,
		Confidence:           p.AvgConfidence,
		CulturalPerspectives: p.culturalPerspectives,
		ParentCommitId:        m.store.LastCommitID(p.Topic),
	}

	finalized, err := commit.Finalize(c)
	if err != nil {
		return status, err
	}
	signed, err := commit.Sign(finalized, m.id)
	if err != nil {
		return status, err
	}

	version := m.store.NextVersion(p.Topic)
	if err := m.store.ApplyCommit(signed, version); err != nil {
		return status, err
	}

	if m.onCommitApplied != nil {
		m.onCommitApplied(signed)
	}

	return status, nil
}
