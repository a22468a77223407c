// Package audit appends a human-readable log entry for every committed
// mutation. The trail is best-effort and exists for operational review,
// not machine replay: a failed append is reported but never rolls back
// the mutation it describes.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// LogFileName is the name of the trail inside the data directory.
const LogFileName = "audit.log"

// SnapshotDirName is where per-commit copies of the data file go when
// snapshots are enabled.
const SnapshotDirName = "snapshots"

const (
	dirPerms  = 0o750
	filePerms = 0o600
)

// Action names recorded in the trail, one per mutation kind.
const (
	ActionCreate       = "create"
	ActionUpdateStatus = "update_status"
	ActionEditIssue    = "edit_issue"
	ActionAddComment   = "add_comment"
)

// Trail is an append-only mutation log, optionally paired with a
// versioned snapshot of the persisted state per commit.
type Trail struct {
	path         string
	snapshotDir  string
	snapshotFrom string // data file copied on each commit, empty = disabled
	seq          atomic.Uint64
	now          func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithSnapshots copies the file at dataFile into the snapshot directory
// after every recorded action.
func WithSnapshots(dataFile string) Option {
	return func(t *Trail) {
		t.snapshotFrom = dataFile
	}
}

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		t.now = now
	}
}

// New returns a trail writing to audit.log inside dataDir. The log file
// is created lazily on the first Record call.
func New(dataDir string, opts ...Option) *Trail {
	t := &Trail{
		path:        filepath.Join(dataDir, LogFileName),
		snapshotDir: filepath.Join(dataDir, SnapshotDirName),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Record appends one entry of the form
//
//	<action>: issue <id> @ <RFC 3339 timestamp>
//
// in commit order. The caller decides what a failure means; the pipeline
// logs it and moves on.
func (t *Trail) Record(action, issueID string) error {
	entry := fmt.Sprintf("%s: issue %s @ %s\n", action, issueID, t.now().UTC().Format(time.RFC3339))

	file, openErr := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerms) //nolint:gosec // path is fixed at New
	if openErr != nil {
		return fmt.Errorf("opening audit log: %w", openErr)
	}

	_, writeErr := file.WriteString(entry)

	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf("appending audit entry: %w", writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing audit log: %w", closeErr)
	}

	if t.snapshotFrom != "" {
		snapErr := t.snapshot(action)
		if snapErr != nil {
			return snapErr
		}
	}

	return nil
}

// snapshot copies the data file into snapshots/<seq>-<action>.json. The
// sequence number restarts at process start; the filenames stay unique
// across restarts because earlier snapshots are never overwritten before
// the sequence catches up to the directory contents.
func (t *Trail) snapshot(action string) error {
	mkdirErr := os.MkdirAll(t.snapshotDir, dirPerms)
	if mkdirErr != nil {
		return fmt.Errorf("creating snapshot directory: %w", mkdirErr)
	}

	content, readErr := os.ReadFile(t.snapshotFrom) //nolint:gosec // path is fixed at New
	if readErr != nil {
		return fmt.Errorf("reading data file for snapshot: %w", readErr)
	}

	for {
		seq := t.seq.Add(1)
		name := fmt.Sprintf("%06d-%s.json", seq, action)
		path := filepath.Join(t.snapshotDir, name)

		_, statErr := os.Stat(path)
		if statErr == nil {
			// Left over from a previous run, advance the sequence.
			continue
		}

		writeErr := os.WriteFile(path, content, filePerms)
		if writeErr != nil {
			return fmt.Errorf("writing snapshot: %w", writeErr)
		}

		return nil
	}
}
