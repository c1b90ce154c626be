package store

import (
	"testing"

	"github.com/dpcmesh/dpc/internal/commit"
)

func sampleCommit(topic, commitID, parent string) commit.KnowledgeCommit {
	c := commit.KnowledgeCommit{
		Topic:        topic,
		Summary:      "summary for " + topic,
		Entries:      []commit.KnowledgeEntry{{Content: "fact one", Confidence: 0.9}},
		Participants: []string{"dpc-node-aaaa"},
	}
	c.ParentCommitId = parent
	finalized, err := commit.Finalize(c)
	if err != nil {
		panic(err)
	}
	finalized.CommitId = commitID
	return finalized
}

func TestOpenEmptyHomeHasNoTopics(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Topics()) != 0 {
		t.Fatalf("expected no topics, got %v", s.Topics())
	}
	if v := s.NextVersion("cooking"); v != 1 {
		t.Fatalf("NextVersion on empty topic = %d, want 1", v)
	}
	if id := s.LastCommitID("cooking"); id != "" {
		t.Fatalf("LastCommitID on empty topic = %q, want empty", id)
	}
}

func TestApplyCommitAdvancesHead(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	c1 := sampleCommit("cooking", "commit-aaaaaaaaaaaaaaaa", "")
	if err := s.ApplyCommit(c1, 1); err != nil {
		t.Fatal(err)
	}
	if got := s.LastCommitID("cooking"); got != c1.CommitId {
		t.Fatalf("LastCommitID = %q, want %q", got, c1.CommitId)
	}
	if v := s.NextVersion("cooking"); v != 2 {
		t.Fatalf("NextVersion after first commit = %d, want 2", v)
	}

	c2 := sampleCommit("cooking", "commit-bbbbbbbbbbbbbbbb", c1.CommitId)
	if err := s.ApplyCommit(c2, 2); err != nil {
		t.Fatal(err)
	}
	if got := s.LastCommitID("cooking"); got != c2.CommitId {
		t.Fatalf("LastCommitID after second commit = %q, want %q", got, c2.CommitId)
	}
	if !s.CommitExists(c1.CommitId) || !s.CommitExists(c2.CommitId) {
		t.Fatal("expected both commits to be known")
	}
}

func TestOpenRebuildsStateFromDisk(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c1 := sampleCommit("gardening", "commit-cccccccccccccccc", "")
	if err := s1.ApplyCommit(c1, 1); err != nil {
		t.Fatal(err)
	}
	c2 := sampleCommit("gardening", "commit-dddddddddddddddd", c1.CommitId)
	if err := s1.ApplyCommit(c2, 2); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.LastCommitID("gardening"); got != c2.CommitId {
		t.Fatalf("rebuilt head = %q, want %q", got, c2.CommitId)
	}
	if v := s2.NextVersion("gardening"); v != 3 {
		t.Fatalf("rebuilt next version = %d, want 3", v)
	}
}

func TestReadHeadReturnsRenderedDocument(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := sampleCommit("cooking", "commit-eeeeeeeeeeeeeeee", "")
	if err := s.ApplyCommit(c, 1); err != nil {
		t.Fatal(err)
	}
	doc, err := s.ReadHead("cooking")
	if err != nil {
		t.Fatal(err)
	}
	if doc == "" {
		t.Fatal("expected non-empty document")
	}
}

func TestReadHeadErrorsForUnknownTopic(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadHead("nonexistent"); err == nil {
		t.Fatal("expected error for topic with no commits")
	}
}
