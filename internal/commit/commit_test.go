package commit

import (
	"strings"
	"testing"

	"github.com/dpcmesh/dpc/internal/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return id
}

func sampleCommit() KnowledgeCommit {
	return KnowledgeCommit{
		Topic:       "go concurrency",
		Summary:     "goroutines and channels",
		Description: "notes on CSP-style concurrency in Go",
		Entries: []KnowledgeEntry{
			{Content: "channels are typed conduits", Tags: []string{"channels", "basics"}, Confidence: 0.91},
			{Content: "goroutines are cheap", Tags: []string{"goroutines"}, Confidence: 0.83334},
		},
		Participants: []string{"node-b", "node-a"},
		ApprovedBy:   []string{"node-a"},
		Confidence:   0.9,
		Timestamp:    "2026-07-30T12:00:00.000000Z",
	}
}

func TestCanonicalJSONIsOrderAndRoundingInvariant(t *testing.T) {
	a := sampleCommit()
	b := sampleCommit()
	// swap entry order and tag order; rounding must still match
	b.Entries[0], b.Entries[1] = b.Entries[1], b.Entries[0]
	b.Entries[1].Tags = []string{"basics", "channels"}
	b.Participants = []string{"node-a", "node-b"}

	ja, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	jb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ja) != string(jb) {
		t.Fatalf("canonical JSON differs under reordering:\na=%s\nb=%s", ja, jb)
	}
}

func TestCanonicalJSONExcludesSignaturesAndCommitID(t *testing.T) {
	c := sampleCommit()
	data, err := CanonicalJSON(c)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "signature") || strings.Contains(string(data), "commit_id") || strings.Contains(string(data), "commit_hash") {
		t.Fatalf("canonical JSON must exclude signatures/commit_id/commit_hash: %s", data)
	}
}

func TestFinalizeProducesStableCommitID(t *testing.T) {
	c, err := Finalize(sampleCommit())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(c.CommitId, "commit-") {
		t.Fatalf("CommitId = %q", c.CommitId)
	}
	if c.CommitId != "commit-"+c.CommitHash[:16] {
		t.Fatalf("CommitId %q does not derive from CommitHash %q", c.CommitId, c.CommitHash)
	}

	c2, err := Finalize(sampleCommit())
	if err != nil {
		t.Fatal(err)
	}
	if c.CommitHash != c2.CommitHash {
		t.Fatal("identical content must hash identically")
	}
}

func TestSignAndVerifySignatures(t *testing.T) {
	id := mustIdentity(t)
	c, err := Finalize(sampleCommit())
	if err != nil {
		t.Fatal(err)
	}
	c, err = Sign(c, id)
	if err != nil {
		t.Fatal(err)
	}

	results := VerifySignatures(c, func(nodeID string) (*identity.Identity, error) {
		return id, nil
	})
	if err := results[id.NodeId]; err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}

func TestSignBeforeFinalizeFails(t *testing.T) {
	id := mustIdentity(t)
	if _, err := Sign(sampleCommit(), id); err == nil {
		t.Fatal("expected error signing an unfinalized commit")
	}
}

func TestVerifyChainAcceptsValidChain(t *testing.T) {
	genesis, _ := Finalize(KnowledgeCommit{Topic: "t", Timestamp: "2026-01-01T00:00:00.000000Z"})
	second, _ := Finalize(KnowledgeCommit{Topic: "t", ParentCommitId: genesis.CommitId, Timestamp: "2026-01-02T00:00:00.000000Z"})

	if err := VerifyChain([]KnowledgeCommit{genesis, second}); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestVerifyChainRejectsBrokenParent(t *testing.T) {
	genesis, _ := Finalize(KnowledgeCommit{Topic: "t", Timestamp: "2026-01-01T00:00:00.000000Z"})
	second, _ := Finalize(KnowledgeCommit{Topic: "t", ParentCommitId: "commit-wrongwrongwrong", Timestamp: "2026-01-02T00:00:00.000000Z"})

	if err := VerifyChain([]KnowledgeCommit{genesis, second}); err == nil {
		t.Fatal("expected chain-broken error")
	}
}

func TestWriteAndVerifyFileRoundTrip(t *testing.T) {
	id := mustIdentity(t)
	c, err := Finalize(sampleCommit())
	if err != nil {
		t.Fatal(err)
	}
	c, err = Sign(c, id)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := Write(c, 1, id.NodeId)
	if err != nil {
		t.Fatal(err)
	}

	filename := FileName(c.Topic, c.CommitId)
	report := VerifyFile(filename, doc, func(string) bool { return true }, func(nodeID string) (*identity.Identity, error) {
		return id, nil
	})

	if !report.Valid {
		t.Fatalf("expected valid report, got errors: %v", report.Errors)
	}
	if report.ContentTampered {
		t.Fatal("unexpected content_tampered on an untouched file")
	}
}

func TestVerifyFileDetectsContentTamper(t *testing.T) {
	id := mustIdentity(t)
	c, err := Finalize(sampleCommit())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := Write(c, 1, id.NodeId)
	if err != nil {
		t.Fatal(err)
	}

	tampered := strings.Replace(doc, "- goroutines are cheap", "- goroutines are EXPENSIVE", 1)
	filename := FileName(c.Topic, c.CommitId)
	report := VerifyFile(filename, tampered, func(string) bool { return true }, nil)

	if !report.ContentTampered {
		t.Fatal("expected content_tampered to be flagged")
	}
}

func TestVerifyFileFlagsMissingParent(t *testing.T) {
	id := mustIdentity(t)
	c, err := Finalize(KnowledgeCommit{Topic: "t", ParentCommitId: "commit-deadbeefdeadbeef", Timestamp: "2026-01-01T00:00:00.000000Z"})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := Write(c, 1, id.NodeId)
	if err != nil {
		t.Fatal(err)
	}

	filename := FileName(c.Topic, c.CommitId)
	report := VerifyFile(filename, doc, func(string) bool { return false }, nil)

	if !report.MissingParent {
		t.Fatal("expected missing_parent to be flagged")
	}
}
