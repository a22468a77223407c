// Package store owns the canonical on-disk representation of all issues:
// a single pretty-printed JSON document replaced atomically on every save.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/issued/internal/issue"
)

// DataFileName is the name of the backing document inside the data directory.
const DataFileName = "issues.json"

const (
	dirPerms  = 0o750
	filePerms = 0o600
)

var errCorruptDataFile = errors.New("corrupt data file")

// Store persists the issue collection. It is the single source of truth;
// callers must re-load before every mutation rather than cache a copy.
type Store struct {
	path string
}

// Open prepares the data directory and returns a store backed by
// issues.json inside it. If the file does not exist it is created holding
// an empty collection.
func Open(dataDir string) (*Store, error) {
	mkdirErr := os.MkdirAll(dataDir, dirPerms)
	if mkdirErr != nil {
		return nil, fmt.Errorf("creating data directory: %w", mkdirErr)
	}

	s := &Store{path: filepath.Join(dataDir, DataFileName)}

	_, statErr := os.Stat(s.path)
	if os.IsNotExist(statErr) {
		initErr := s.Save(issue.Collection{Issues: []issue.Issue{}})
		if initErr != nil {
			return nil, fmt.Errorf("initializing data file: %w", initErr)
		}
	}

	return s, nil
}

// Path returns the location of the backing document.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full collection from disk.
//
// Load fails closed: if the file is missing, unreadable, or corrupt, it
// returns an empty collection together with the error, never a partial
// one. Callers log the error and continue against the empty collection.
func (s *Store) Load() (issue.Collection, error) {
	empty := issue.Collection{Issues: []issue.Issue{}}

	content, readErr := os.ReadFile(s.path) //nolint:gosec // path is fixed at Open
	if readErr != nil {
		return empty, fmt.Errorf("reading %s: %w", DataFileName, readErr)
	}

	var collection issue.Collection

	unmarshalErr := json.Unmarshal(content, &collection)
	if unmarshalErr != nil {
		return empty, fmt.Errorf("%w: %w", errCorruptDataFile, unmarshalErr)
	}

	if collection.Issues == nil {
		collection.Issues = []issue.Issue{}
	}

	return collection, nil
}

// Save writes the entire collection atomically: the document is marshalled
// to a temp file in the same directory and renamed over the old one, so a
// concurrent Load observes either the previous state or the new one,
// never a partial write.
func (s *Store) Save(collection issue.Collection) error {
	content, marshalErr := json.MarshalIndent(collection, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshalling collection: %w", marshalErr)
	}

	content = append(content, '\n')

	writeErr := atomic.WriteFile(s.path, bytes.NewReader(content))
	if writeErr != nil {
		return fmt.Errorf("writing %s: %w", DataFileName, writeErr)
	}

	// atomic.WriteFile doesn't set permissions for new files.
	chmodErr := os.Chmod(s.path, filePerms)
	if chmodErr != nil {
		return fmt.Errorf("setting data file permissions: %w", chmodErr)
	}

	return nil
}
