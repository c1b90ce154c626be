/*
File Name:  session.go
Author:     dpc contributors

Session Manager: mutual approval for starting a new conversational
session over a set of participants. Two-party sessions require
unanimous approval; three or more require a strict majority. The
initiator's vote is implicitly "approve".
*/

package session

import (
	"errors"
	"sync"
	"time"
)

// DefaultDeadline is how long a session proposal waits for votes.
const DefaultDeadline = 60 * time.Second

// ErrDuplicateProposal is returned when a conversation already has a
// pending proposal.
var ErrDuplicateProposal = errors.New("session: conversation already has a pending proposal")

// ErrUnknownParticipant is returned when a vote comes from a node not
// among the session's participants.
var ErrUnknownParticipant = errors.New("session: voter is not a participant")

// ErrAlreadyVoted is returned on a duplicate vote from the same node.
var ErrAlreadyVoted = errors.New("session: participant already voted")

// Result is the terminal outcome of a NewSessionProposal.
type Result string

const (
	ResultPending  Result = "pending"
	ResultApproved Result = "approved"
	ResultRejected Result = "rejected"
)

// Proposal is a pending "start a new session" request.
type Proposal struct {
	ProposalId     string
	ConversationId string
	Initiator      string
	Participants   []string

	mu       sync.Mutex
	votes    map[string]bool
	deadline time.Time
	done     bool
	result   Result
}

// newProposal constructs a Proposal with the initiator's vote
// pre-recorded as approve.
func newProposal(proposalID, conversationID, initiator string, participants []string, deadline time.Duration) *Proposal {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	p := &Proposal{
		ProposalId:     proposalID,
		ConversationId: conversationID,
		Initiator:      initiator,
		Participants:   participants,
		votes:          make(map[string]bool),
		deadline:       time.Now().Add(deadline),
		result:         ResultPending,
	}
	p.votes[initiator] = true
	return p
}

func (p *Proposal) isParticipant(nodeID string) bool {
	for _, id := range p.Participants {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Vote records nodeID's approve/reject decision.
func (p *Proposal) Vote(nodeID string, approve bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isParticipant(nodeID) {
		return ErrUnknownParticipant
	}
	if _, voted := p.votes[nodeID]; voted {
		return ErrAlreadyVoted
	}
	p.votes[nodeID] = approve
	return nil
}

// AllVoted reports whether every participant (including the initiator)
// has voted.
func (p *Proposal) AllVoted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.votes) >= len(p.Participants)
}

// DeadlinePassed reports whether the 60-second window has elapsed.
func (p *Proposal) DeadlinePassed() bool {
	return time.Now().After(p.deadline)
}

// Tally returns the approve count and the total votes cast.
func (p *Proposal) Tally() (approve, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.votes {
		if v {
			approve++
		}
		total++
	}
	return
}

// decide applies the unanimous (2-party) / strict-majority (>=3)
// voting rule to the votes cast so far.
func (p *Proposal) decide() Result {
	approve, total := p.Tally()
	if total == 0 {
		return ResultRejected
	}
	if len(p.Participants) == 2 {
		if approve == total && total == len(p.Participants) {
			return ResultApproved
		}
		return ResultRejected
	}
	if approve > total/2 {
		return ResultApproved
	}
	return ResultRejected
}

// Finalize idempotently computes and freezes the proposal's result.
func (p *Proposal) Finalize() (Result, bool) {
	p.mu.Lock()
	if p.done {
		result := p.result
		p.mu.Unlock()
		return result, false
	}
	p.done = true
	p.mu.Unlock()

	result := p.decide()

	p.mu.Lock()
	p.result = result
	p.mu.Unlock()
	return result, true
}

// Manager tracks pending session proposals, one per conversation at a
// time.
type Manager struct {
	mu              sync.Mutex
	byConversation  map[string]*Proposal
	byProposalID    map[string]*Proposal

	onResult func(p *Proposal, result Result, tally map[string]bool)
}

// New creates an empty session Manager.
func New() *Manager {
	return &Manager{
		byConversation: make(map[string]*Proposal),
		byProposalID:   make(map[string]*Proposal),
	}
}

// OnResult registers a callback fired once a proposal finalizes, so the
// caller can broadcast NEW_SESSION_RESULT with the vote tally.
func (m *Manager) OnResult(fn func(p *Proposal, result Result, tally map[string]bool)) { m.onResult = fn }

// Propose creates and tracks a new session proposal for conversationID,
// refusing if one is already pending.
func (m *Manager) Propose(proposalID, conversationID, initiator string, participants []string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConversation[conversationID]; exists {
		return nil, ErrDuplicateProposal
	}

	p := newProposal(proposalID, conversationID, initiator, participants, DefaultDeadline)
	m.byConversation[conversationID] = p
	m.byProposalID[proposalID] = p
	return p, nil
}

// Get returns a tracked proposal by id.
func (m *Manager) Get(proposalID string) (*Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byProposalID[proposalID]
	return p, ok
}

// Vote records a vote and finalizes the proposal if that completes
// voting, clearing it from the pending-by-conversation index.
func (m *Manager) Vote(proposalID, nodeID string, approve bool) (Result, error) {
	p, ok := m.Get(proposalID)
	if !ok {
		return "", errors.New("session: unknown proposal")
	}
	if err := p.Vote(nodeID, approve); err != nil {
		return "", err
	}
	if p.AllVoted() {
		return m.finalize(p)
	}
	return ResultPending, nil
}

// CheckDeadline finalizes proposalID if its 60-second window has
// elapsed and it has not already finalized.
func (m *Manager) CheckDeadline(proposalID string) (Result, error) {
	p, ok := m.Get(proposalID)
	if !ok {
		return "", errors.New("session: unknown proposal")
	}
	if !p.DeadlinePassed() {
		return ResultPending, nil
	}
	return m.finalize(p)
}

func (m *Manager) finalize(p *Proposal) (Result, error) {
	result, first := p.Finalize()
	if first {
		m.mu.Lock()
		delete(m.byConversation, p.ConversationId)
		m.mu.Unlock()

		if m.onResult != nil {
			p.mu.Lock()
			tally := make(map[string]bool, len(p.votes))
			for k, v := range p.votes {
				tally[k] = v
			}
			p.mu.Unlock()
			m.onResult(p, result, tally)
		}
	}
	return result, nil
}
