/*
File Name:  operations.go
Author:     dpc contributors

Outer operation surface: wraps Node's internal capabilities in the
Result envelope so a local control socket or CLI front-end has one
stable shape to marshal back to its caller.
*/

package main

import (
	"context"
	"time"

	"github.com/dpcmesh/dpc/internal/commit"
	"github.com/dpcmesh/dpc/internal/consensus"
	"github.com/google/uuid"
)

// ConnectPeer dials target (a dpc:// URI or bare NodeId), falling back
// through the configured dial strategies.
func (n *Node) ConnectPeer(target string) Result {
	if target == "" {
		return fail(KindInvalidInput, errEmptyTarget, "pass a dpc:// URI or node_id")
	}
	if err := n.p2p.Connect(target); err != nil {
		return fail(KindNotConnected, err, "peer may be offline or unreachable by any configured transport")
	}
	return ok(map[string]string{"node_id": target})
}

// Peers reports the currently connected peer NodeIds.
func (n *Node) Peers() Result {
	return ok(n.p2p.ConnectedPeers())
}

// Status reports this node's derived connectivity mode.
func (n *Node) Status() Result {
	return ok(map[string]string{"mode": string(n.tracker.Mode())})
}

// RunInference executes a prompt, locally or via a compute_host peer.
func (n *Node) RunInference(prompt, computeHost, model, provider string, timeout time.Duration) Result {
	if prompt == "" {
		return fail(KindInvalidInput, errEmptyPrompt, "prompt must not be empty")
	}
	if timeout <= 0 {
		timeout = n.cfg.Inference.RemoteTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := n.infer.Execute(ctx, prompt, computeHost, model, provider, nil)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(KindTimeout, err, "the compute host did not respond in time")
		case computeHost != "":
			return fail(KindNotConnected, err, "check that compute_host is connected and permitted by firewall rules")
		default:
			return fail(KindInternal, err, "no local inference engine is configured on this node")
		}
	}
	return ok(result)
}

// ProposeCommit opens a consensus vote on a new knowledge commit for
// topic among participants, tracked under a freshly generated proposal_id.
func (n *Node) ProposeCommit(topic, summary, description string, entries []commit.KnowledgeEntry, participants, culturalPerspectives []string) Result {
	if topic == "" || len(participants) == 0 {
		return fail(KindInvalidInput, errEmptyTarget, "topic and at least one participant are required")
	}

	proposalID := uuid.NewString()
	p, err := consensus.NewProposal(proposalID, topic, summary, description, entries, participants, culturalPerspectives, n.cfg.Consensus.Threshold, n.cfg.Consensus.VoteDeadline)
	if err != nil {
		return fail(KindInvalidInput, err, "check the proposal's participant list")
	}
	n.consMgr.Track(p)

	return ok(map[string]string{"proposal_id": proposalID, "required_dissenter": p.RequiredDissenter})
}

// VoteOnCommit records nodeID's vote on a tracked commit proposal.
func (n *Node) VoteOnCommit(proposalID, nodeID string, vote consensus.Vote, comment string, isRequiredDissent bool) Result {
	status, err := n.consMgr.Vote(proposalID, nodeID, vote, comment, isRequiredDissent)
	if err != nil {
		return fail(KindInvalidInput, err, "check the proposal_id and that this node hasn't already voted")
	}
	return ok(map[string]string{"status": string(status)})
}

// ProposeSession opens a mutual-approval vote to start a new
// conversational session over participants.
func (n *Node) ProposeSession(conversationID string, participants []string) Result {
	if conversationID == "" || len(participants) == 0 {
		return fail(KindInvalidInput, errEmptyTarget, "conversation_id and at least one participant are required")
	}
	proposalID := uuid.NewString()
	p, err := n.sessMgr.Propose(proposalID, conversationID, n.id.NodeId, participants)
	if err != nil {
		return fail(KindInvalidInput, err, "the conversation may already have a pending proposal")
	}
	return ok(map[string]string{"proposal_id": p.ProposalId})
}

// VoteOnSession records nodeID's approve/reject vote on a pending
// session proposal.
func (n *Node) VoteOnSession(proposalID, nodeID string, approve bool) Result {
	result, err := n.sessMgr.Vote(proposalID, nodeID, approve)
	if err != nil {
		return fail(KindInvalidInput, err, "check the proposal_id and that this node hasn't already voted")
	}
	return ok(map[string]string{"result": string(result)})
}

var errEmptyTarget = simpleError("dpc-node: target must not be empty")
var errEmptyPrompt = simpleError("dpc-node: prompt must not be empty")

type simpleError string

func (e simpleError) Error() string { return string(e) }
