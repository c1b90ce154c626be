/*
File Name:  markdown.go
Author:     dpc contributors

Materializes a KnowledgeCommit as a Markdown file with YAML frontmatter,
and verifies the integrity of one previously written.
*/

package commit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dpcmesh/dpc/internal/identity"
	"gopkg.in/yaml.v3"
)

const frontmatterFence = "---"

// Frontmatter is the YAML header of a commit's Markdown file. Beyond the
// minimum required keys it also carries summary/description/entries, so
// that a commit can be rehydrated and its commit_hash recomputed from
// the file alone, without a side channel.
type Frontmatter struct {
	Topic                string            `yaml:"topic"`
	CommitId             string            `yaml:"commit_id"`
	CommitHash           string            `yaml:"commit_hash"`
	ParentCommit         string            `yaml:"parent_commit"`
	ContentHash          string            `yaml:"content_hash"`
	Timestamp            string            `yaml:"timestamp"`
	Version              int               `yaml:"version"`
	Author               string            `yaml:"author"`
	Participants         []string          `yaml:"participants"`
	ApprovedBy           []string          `yaml:"approved_by"`
	RejectedBy           []string          `yaml:"rejected_by"`
	Consensus            ConsensusType     `yaml:"consensus"`
	ConfidenceScore      float64           `yaml:"confidence_score"`
	Signatures           map[string]string `yaml:"signatures"`
	CulturalPerspectives []string          `yaml:"cultural_perspectives"`
	Summary              string            `yaml:"summary"`
	Description          string            `yaml:"description,omitempty"`
	Entries              []KnowledgeEntry  `yaml:"entries"`
}

// FileName returns the "<topic_slug>_<commit_id>.md" name a commit is
// materialized under.
func FileName(topic, commitID string) string {
	return slugify(topic) + "_" + commitID + ".md"
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// contentHash hashes the commit body (the Markdown content section,
// excluding frontmatter) with LF line endings so the hash is
// platform-independent.
func contentHash(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// RenderBody builds the Markdown body (post-frontmatter section) for a
// commit, holding the human-readable summary/description/entries.
func RenderBody(c KnowledgeCommit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Topic)
	fmt.Fprintf(&b, "%s\n\n", c.Summary)
	if c.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", c.Description)
	}
	b.WriteString("## Entries\n\n")
	for _, e := range c.Entries {
		fmt.Fprintf(&b, "- %s", e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(e.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Write renders c as Markdown with frontmatter, version, and author,
// returning the full file content. version is the Topic's bumped
// version counter after merging this commit.
func Write(c KnowledgeCommit, version int, author string) (string, error) {
	body := RenderBody(c)
	fm := Frontmatter{
		Topic:                c.Topic,
		CommitId:             c.CommitId,
		CommitHash:           c.CommitHash,
		ParentCommit:         c.ParentCommitId,
		ContentHash:          contentHash(body),
		Timestamp:            c.Timestamp,
		Version:              version,
		Author:               author,
		Participants:         c.Participants,
		ApprovedBy:           c.ApprovedBy,
		RejectedBy:           c.RejectedBy,
		Consensus:            c.ConsensusType,
		ConfidenceScore:      c.Confidence,
		Signatures:           c.Signatures,
		CulturalPerspectives: c.CulturalPerspectives,
		Summary:              c.Summary,
		Description:          c.Description,
		Entries:              c.Entries,
	}

	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString(frontmatterFence)
	out.WriteString("\n")
	out.Write(fmBytes)
	out.WriteString(frontmatterFence)
	out.WriteString("\n\n")
	out.WriteString(body)

	return strings.ReplaceAll(out.String(), "\r\n", "\n"), nil
}

// ErrNoFrontmatter is returned by Parse when the document has no
// "---"-fenced YAML header.
var ErrNoFrontmatter = errors.New("commit: document has no frontmatter")

// Parse splits a Markdown document into its Frontmatter and body.
func Parse(doc string) (Frontmatter, string, error) {
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(doc, frontmatterFence+"\n") {
		return Frontmatter{}, "", ErrNoFrontmatter
	}
	rest := doc[len(frontmatterFence)+1:]
	end := strings.Index(rest, "\n"+frontmatterFence+"\n")
	if end < 0 {
		return Frontmatter{}, "", ErrNoFrontmatter
	}
	fmBlock := rest[:end]
	body := strings.TrimPrefix(rest[end+len(frontmatterFence)+2:], "\n")

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return Frontmatter{}, "", err
	}
	return fm, body, nil
}

var commitIDPattern = regexp.MustCompile(`commit-[0-9a-f]{16}`)

// IntegrityReport is the structured result of verifying one Markdown
// commit file.
type IntegrityReport struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
	ContentTampered bool     `json:"content_tampered"`
	MissingParent   bool     `json:"missing_parent"`
}

func (r *IntegrityReport) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *IntegrityReport) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// VerifyFile checks one Markdown commit file's internal consistency:
// filename vs frontmatter commit_id, content hash, recomputed commit
// hash, every signature, and parent-file presence (reported via
// parentExists, since file-system access belongs to the caller).
func VerifyFile(filename, doc string, parentExists func(parentCommitID string) bool, certFor func(nodeID string) (*identity.Identity, error)) IntegrityReport {
	report := IntegrityReport{Valid: true}

	fm, body, err := Parse(doc)
	if err != nil {
		report.addError("parse failure: %v", err)
		return report
	}

	if !commitIDPattern.MatchString(filename) {
		report.addError("filename %q does not contain a commit-id pattern", filename)
	} else if match := commitIDPattern.FindString(filename); match != fm.CommitId {
		report.addError("filename commit-id %q does not match frontmatter commit_id %q", match, fm.CommitId)
	}

	if got := contentHash(body); got != fm.ContentHash {
		report.ContentTampered = true
		report.addWarning("content_tampered: recomputed content_hash %q != frontmatter %q", got, fm.ContentHash)
	}

	rehydrated := KnowledgeCommit{
		CommitId:             fm.CommitId,
		ParentCommitId:        fm.ParentCommit,
		Topic:                fm.Topic,
		Summary:              fm.Summary,
		Description:          fm.Description,
		Entries:              fm.Entries,
		Timestamp:            fm.Timestamp,
		Participants:         fm.Participants,
		ApprovedBy:           fm.ApprovedBy,
		RejectedBy:           fm.RejectedBy,
		ConsensusType:        fm.Consensus,
		Confidence:           fm.ConfidenceScore,
		CulturalPerspectives: fm.CulturalPerspectives,
		Signatures:           fm.Signatures,
	}
	if got, err := Hash(rehydrated); err == nil && got != fm.CommitHash {
		report.addError("recomputed commit_hash %q != frontmatter %q", got, fm.CommitHash)
	}

	if certFor != nil {
		for signer, sig := range fm.Signatures {
			id, err := certFor(signer)
			if err != nil {
				report.addError("signature by %s: %v", signer, err)
				continue
			}
			if err := identity.VerifyPSS(&id.PrivateKey.PublicKey, []byte(fm.CommitHash), sig); err != nil {
				report.addError("signature by %s does not verify: %v", signer, err)
			}
		}
	}

	if fm.ParentCommit != "" && parentExists != nil && !parentExists(fm.ParentCommit) {
		report.MissingParent = true
		report.addWarning("missing_parent: parent commit %q has no file on disk", fm.ParentCommit)
	}

	return report
}

// stripBOM removes a UTF-8 byte-order mark some editors insert. Nothing
// in this package calls it.
func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}
