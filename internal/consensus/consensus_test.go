package consensus

import (
	"testing"
	"time"

	"github.com/dpcmesh/dpc/internal/commit"
	"github.com/dpcmesh/dpc/internal/identity"
)

type fakeStore struct {
	lastCommit map[string]string
	versions   map[string]int
	applied    []commit.KnowledgeCommit
}

func newFakeStore() *fakeStore {
	return &fakeStore{lastCommit: map[string]string{}, versions: map[string]int{}}
}

func (s *fakeStore) LastCommitID(topic string) string { return s.lastCommit[topic] }
func (s *fakeStore) NextVersion(topic string) int {
	s.versions[topic]++
	return s.versions[topic]
}
func (s *fakeStore) ApplyCommit(c commit.KnowledgeCommit, newVersion int) error {
	s.applied = append(s.applied, c)
	s.lastCommit[c.Topic] = c.CommitId
	return nil
}

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Initialize(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRequiredDissenterAssignedFromThreeParticipants(t *testing.T) {
	p, err := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b", "c"}, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.RequiredDissenter == "" {
		t.Fatal("expected a required dissenter for 3 participants")
	}

	p2, err := NewProposal("p2", "t", "s", "d", nil, []string{"a", "b"}, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p2.RequiredDissenter != "" {
		t.Fatal("expected no required dissenter for 2 participants")
	}
}

func TestDecideUnanimousApproval(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	p.CastVoteFrom("a", VoteApprove, "", false)
	p.CastVoteFrom("b", VoteApprove, "", false)

	status, ct := p.Decide(0.75)
	if status != StatusApproved || ct != commit.ConsensusUnanimous {
		t.Fatalf("got %v/%v", status, ct)
	}
}

func TestDecideMajorityApproval(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b", "c", "d"}, nil, 0.75, time.Hour)
	p.CastVoteFrom("a", VoteApprove, "", false)
	p.CastVoteFrom("b", VoteApprove, "", false)
	p.CastVoteFrom("c", VoteApprove, "", false)
	p.CastVoteFrom("d", VoteReject, "", false)

	status, ct := p.Decide(0.75)
	if status != StatusApproved || ct != commit.ConsensusMajority {
		t.Fatalf("got %v/%v", status, ct)
	}
}

func TestDecideRejected(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	p.CastVoteFrom("a", VoteReject, "", false)
	p.CastVoteFrom("b", VoteRequestChanges, "", false)

	status, _ := p.Decide(0.75)
	if status != StatusRejected {
		t.Fatalf("got %v, want rejected (reject > request_changes)", status)
	}
}

func TestDecideRevisionNeeded(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	p.CastVoteFrom("a", VoteRequestChanges, "", false)
	p.CastVoteFrom("b", VoteRequestChanges, "", false)

	status, _ := p.Decide(0.75)
	if status != StatusRevisionNeeded {
		t.Fatalf("got %v, want revision_needed", status)
	}
}

func TestDuplicateVoteRejected(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	if err := p.CastVoteFrom("a", VoteApprove, "", false); err != nil {
		t.Fatal(err)
	}
	if err := p.CastVoteFrom("a", VoteApprove, "", false); err != ErrAlreadyVoted {
		t.Fatalf("err = %v, want ErrAlreadyVoted", err)
	}
}

func TestVoteFromNonParticipantRejected(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	if err := p.CastVoteFrom("z", VoteApprove, "", false); err != ErrUnknownParticipant {
		t.Fatalf("err = %v, want ErrUnknownParticipant", err)
	}
}

func TestManagerAppliesCommitOnApproval(t *testing.T) {
	id := mustIdentity(t)
	store := newFakeStore()
	mgr := New(id, store, 0.75)

	applied := make(chan commit.KnowledgeCommit, 1)
	mgr.OnCommitApplied(func(c commit.KnowledgeCommit) { applied <- c })

	entries := []commit.KnowledgeEntry{{Content: "fact", Confidence: 0.9}}
	p, err := NewProposal("p1", "topic-x", "summary", "desc", entries, []string{"node-a", "node-b"}, nil, 0.75, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mgr.Track(p)

	if _, err := mgr.Vote("p1", "node-a", VoteApprove, "", false); err != nil {
		t.Fatal(err)
	}
	status, err := mgr.Vote("p1", "node-b", VoteApprove, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusApproved {
		t.Fatalf("status = %v, want approved", status)
	}

	select {
	case c := <-applied:
		if c.Topic != "topic-x" || c.CommitId == "" {
			t.Fatalf("unexpected applied commit: %+v", c)
		}
		if len(store.applied) != 1 {
			t.Fatalf("expected exactly one applied commit, got %d", len(store.applied))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for on_commit_applied")
	}
}

func TestManagerRejectionDoesNotApply(t *testing.T) {
	id := mustIdentity(t)
	store := newFakeStore()
	mgr := New(id, store, 0.75)

	p, err := NewProposal("p1", "topic-x", "s", "d", nil, []string{"node-a", "node-b"}, nil, 0.75, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mgr.Track(p)

	mgr.Vote("p1", "node-a", VoteReject, "", false)
	status, err := mgr.Vote("p1", "node-b", VoteReject, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusRejected {
		t.Fatalf("status = %v, want rejected", status)
	}
	if len(store.applied) != 0 {
		t.Fatal("rejected proposal must not apply a commit")
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	p, _ := NewProposal("p1", "t", "s", "d", nil, []string{"a", "b"}, nil, 0.75, time.Hour)
	p.CastVoteFrom("a", VoteApprove, "", false)
	p.CastVoteFrom("b", VoteApprove, "", false)

	status1, _, first1 := p.Finalize(0.75)
	status2, _, first2 := p.Finalize(0.75)

	if !first1 {
		t.Fatal("first Finalize call should report first=true")
	}
	if first2 {
		t.Fatal("second Finalize call should report first=false")
	}
	if status1 != status2 {
		t.Fatalf("finalize results differ: %v vs %v", status1, status2)
	}
}
