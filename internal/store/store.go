/*
File Name:  store.go
Author:     dpc contributors

Filesystem-backed knowledge store: one Markdown file per commit under
knowledge/<topic>_<commit_id>.md, an in-memory per-topic head pointer
and version counter rebuilt from disk at startup. Satisfies the
consensus manager's PersonalContextStore capability.
*/

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dpcmesh/dpc/internal/commit"
)

// topicState tracks one topic's current head commit and version.
type topicState struct {
	headCommitID string
	version      int
}

// Store persists KnowledgeCommits as Markdown files under a node's
// knowledge/ directory and tracks each topic's current head.
type Store struct {
	dir string

	mu     sync.Mutex
	topics map[string]*topicState
	known  map[string]bool // commit_id -> exists, across all topics
}

// Open rebuilds a Store's in-memory head/version state from the
// knowledge files already on disk under homeDir/knowledge.
func Open(homeDir string) (*Store, error) {
	dir := filepath.Join(homeDir, "knowledge")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	s := &Store{dir: dir, topics: make(map[string]*topicState), known: make(map[string]bool)}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuild() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		topic    string
		commitID string
		version  int
	}
	var files []fileInfo

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		fm, _, err := commit.Parse(string(data))
		if err != nil {
			continue
		}
		files = append(files, fileInfo{topic: fm.Topic, commitID: fm.CommitId, version: fm.Version})
		s.known[fm.CommitId] = true
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	for _, f := range files {
		st, ok := s.topics[f.topic]
		if !ok {
			st = &topicState{}
			s.topics[f.topic] = st
		}
		if f.version >= st.version {
			st.version = f.version
			st.headCommitID = f.commitID
		}
	}

	return nil
}

// LastCommitID returns topic's current head commit_id, or "" if the
// topic has no commits yet.
func (s *Store) LastCommitID(topic string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.topics[topic]; ok {
		return st.headCommitID
	}
	return ""
}

// NextVersion returns the version number the next commit to topic
// should carry.
func (s *Store) NextVersion(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.topics[topic]; ok {
		return st.version + 1
	}
	return 1
}

// CommitExists reports whether commitID has ever been written, used by
// integrity verification's parent-lookup callback.
func (s *Store) CommitExists(commitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[commitID]
}

// ApplyCommit writes c to disk as newVersion and advances topic's head.
func (s *Store) ApplyCommit(c commit.KnowledgeCommit, newVersion int) error {
	doc, err := commit.Write(c, newVersion, authorOf(c))
	if err != nil {
		return err
	}

	filename := filepath.Join(s.dir, commit.FileName(c.Topic, c.CommitId))
	if err := os.WriteFile(filename, []byte(doc), 0600); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.topics[c.Topic]
	if !ok {
		st = &topicState{}
		s.topics[c.Topic] = st
	}
	st.headCommitID = c.CommitId
	st.version = newVersion
	s.known[c.CommitId] = true

	return nil
}

func authorOf(c commit.KnowledgeCommit) string {
	if len(c.Participants) == 0 {
		return ""
	}
	return c.Participants[0]
}

// Topics lists every topic with at least one commit.
func (s *Store) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ReadHead loads the current head commit's Markdown document for
// topic, or an error if the topic has no commits.
func (s *Store) ReadHead(topic string) (string, error) {
	headID := s.LastCommitID(topic)
	if headID == "" {
		return "", fmt.Errorf("store: topic %q has no commits", topic)
	}
	filename := filepath.Join(s.dir, commit.FileName(topic, headID))
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
