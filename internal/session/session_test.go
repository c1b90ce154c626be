package session

import (
	"testing"
	"time"
)

func TestTwoPartyRequiresUnanimity(t *testing.T) {
	mgr := New()
	p, err := mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.isParticipant("alice") {
		t.Fatal("initiator should be a participant")
	}

	result, err := mgr.Vote("p1", "bob", false)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultRejected {
		t.Fatalf("result = %v, want rejected (one reject among two breaks unanimity)", result)
	}
}

func TestTwoPartyApprovedWhenBothApprove(t *testing.T) {
	mgr := New()
	_, err := mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := mgr.Vote("p1", "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultApproved {
		t.Fatalf("result = %v, want approved", result)
	}
}

func TestMultiPartyStrictMajority(t *testing.T) {
	mgr := New()
	_, err := mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob", "carol", "dave"})
	if err != nil {
		t.Fatal(err)
	}

	// alice (initiator) = approve. bob = approve. That's 2/4, not > 2, not yet majority.
	result, err := mgr.Vote("p1", "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultPending {
		t.Fatalf("result = %v, want pending (voting not complete)", result)
	}

	mgr.Vote("p1", "carol", true)
	result, err = mgr.Vote("p1", "dave", false)
	if err != nil {
		t.Fatal(err)
	}
	// approve=3, total=4, 3 > 4/2=2 -> approved
	if result != ResultApproved {
		t.Fatalf("result = %v, want approved", result)
	}
}

func TestDuplicateProposalForSameConversationRefused(t *testing.T) {
	mgr := New()
	if _, err := mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Propose("p2", "conv-1", "alice", []string{"alice", "bob"}); err != ErrDuplicateProposal {
		t.Fatalf("err = %v, want ErrDuplicateProposal", err)
	}
}

func TestProposalSlotFreedAfterFinalize(t *testing.T) {
	mgr := New()
	mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"})
	mgr.Vote("p1", "bob", true)

	if _, err := mgr.Propose("p2", "conv-1", "alice", []string{"alice", "bob"}); err != nil {
		t.Fatalf("expected new proposal allowed after finalize, got %v", err)
	}
}

func TestOnResultFiresWithTally(t *testing.T) {
	mgr := New()
	fired := make(chan Result, 1)
	mgr.OnResult(func(p *Proposal, result Result, tally map[string]bool) {
		fired <- result
	})

	mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"})
	mgr.Vote("p1", "bob", true)

	select {
	case r := <-fired:
		if r != ResultApproved {
			t.Fatalf("got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for on_result callback")
	}
}

func TestVoteFromNonParticipantRejected(t *testing.T) {
	mgr := New()
	mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob"})
	if _, err := mgr.Vote("p1", "mallory", true); err != ErrUnknownParticipant {
		t.Fatalf("err = %v, want ErrUnknownParticipant", err)
	}
}

func TestDuplicateVoteRejected(t *testing.T) {
	mgr := New()
	mgr.Propose("p1", "conv-1", "alice", []string{"alice", "bob", "carol"})
	mgr.Vote("p1", "bob", true)
	if _, err := mgr.Vote("p1", "bob", true); err != ErrAlreadyVoted {
		t.Fatalf("err = %v, want ErrAlreadyVoted", err)
	}
}
