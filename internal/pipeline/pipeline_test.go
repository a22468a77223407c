package pipeline_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/logger"
	"github.com/calvinalkan/issued/internal/pipeline"
)

// fakeStore keeps the collection in memory and can be told to fail.
type fakeStore struct {
	mu        sync.Mutex
	state     issue.Collection
	loadErr   error
	saveErr   error
	saveCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: issue.Collection{Issues: []issue.Issue{}}}
}

func (f *fakeStore) Load() (issue.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loadErr != nil {
		return issue.Collection{Issues: []issue.Issue{}}, f.loadErr
	}

	return f.state.Clone(), nil
}

func (f *fakeStore) Save(collection issue.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return f.saveErr
	}

	f.state = collection.Clone()
	f.saveCount++

	return nil
}

func (f *fakeStore) current() issue.Collection {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state.Clone()
}

// fakeTrail records audit calls in order.
type fakeTrail struct {
	mu        sync.Mutex
	entries   []string
	recordErr error
}

func (f *fakeTrail) Record(action, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.recordErr != nil {
		return f.recordErr
	}

	f.entries = append(f.entries, action+":"+issueID)

	return nil
}

func (f *fakeTrail) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.entries...)
}

// fakePublisher collects broadcast snapshots.
type fakePublisher struct {
	mu        sync.Mutex
	snapshots [][]issue.Issue
}

func (f *fakePublisher) Publish(issues []issue.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snapshots = append(f.snapshots, issues)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.snapshots)
}

func (f *fakePublisher) last() []issue.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.snapshots) == 0 {
		return nil
	}

	return f.snapshots[len(f.snapshots)-1]
}

// harness bundles a pipeline with its fakes and a controllable clock.
type harness struct {
	pipe  *pipeline.Pipeline
	store *fakeStore
	trail *fakeTrail
	pub   *fakePublisher
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newHarness() *harness {
	h := &harness{
		store: newFakeStore(),
		trail: &fakeTrail{},
		pub:   &fakePublisher{},
		clock: &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}

	h.pipe = pipeline.New(h.store, h.trail, h.pub, logger.Nop(), pipeline.WithClock(h.clock.Now))

	return h
}

// Scenario: create with all fields produces one open issue with no
// comments, and every subscriber receives a snapshot of length 1.
func TestCreateIssue(t *testing.T) {
	t.Parallel()

	h := newHarness()

	created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{
		Title:       "Bug",
		Description: "crash",
		Creator:     "alice",
	})
	if createErr != nil {
		t.Fatalf("create: %v", createErr)
	}

	stored := h.store.current()
	if len(stored.Issues) != 1 {
		t.Fatalf("store has %d issues, want 1", len(stored.Issues))
	}

	got := stored.Issues[0]
	if got.Title != "Bug" || got.Description != "crash" || got.Creator != "alice" {
		t.Errorf("stored issue = %+v, want submitted fields", got)
	}

	if got.Status != issue.StatusOpen {
		t.Errorf("status = %q, want %q", got.Status, issue.StatusOpen)
	}

	if len(got.Comments) != 0 {
		t.Errorf("new issue has %d comments, want 0", len(got.Comments))
	}

	if got.ID != created.ID {
		t.Errorf("returned id %q differs from stored %q", created.ID, got.ID)
	}

	if broadcast := h.pub.last(); len(broadcast) != 1 {
		t.Errorf("broadcast %d issues, want 1", len(broadcast))
	}

	wantAudit := []string{"create:" + created.ID}
	if got := h.trail.recorded(); len(got) != 1 || got[0] != wantAudit[0] {
		t.Errorf("audit entries = %v, want %v", got, wantAudit)
	}
}

func TestCreateIssueAppliesDefaults(t *testing.T) {
	t.Parallel()

	h := newHarness()

	created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{})
	if createErr != nil {
		t.Fatalf("create: %v", createErr)
	}

	if created.Title != issue.DefaultTitle {
		t.Errorf("title = %q, want %q", created.Title, issue.DefaultTitle)
	}

	if created.Creator != issue.DefaultCreator {
		t.Errorf("creator = %q, want %q", created.Creator, issue.DefaultCreator)
	}
}

func TestCreateIssueIDsAreUnique(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seen := make(map[string]struct{})

	for idx := range 50 {
		created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{Title: fmt.Sprintf("issue %d", idx)})
		if createErr != nil {
			t.Fatalf("create %d: %v", idx, createErr)
		}

		if _, dup := seen[created.ID]; dup {
			t.Fatalf("duplicate issue id %q", created.ID)
		}

		seen[created.ID] = struct{}{}
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	h.clock.Advance(time.Minute)

	updateErr := h.pipe.UpdateStatus(created.ID, issue.StatusInProgress)
	if updateErr != nil {
		t.Fatalf("update status: %v", updateErr)
	}

	got := h.store.current().Issues[0]
	if got.Status != issue.StatusInProgress {
		t.Errorf("status = %q, want %q", got.Status, issue.StatusInProgress)
	}

	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v did not advance past CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

// Property: an arbitrary status string never escapes the enum. Invalid
// input keeps the existing status but still counts as a mutation.
func TestUpdateStatusRejectsUnknownValues(t *testing.T) {
	t.Parallel()

	for _, bogus := range []string{"", "reopened", "OPEN", "Done", "closed "} {
		t.Run(fmt.Sprintf("status=%q", bogus), func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			created := mustCreate(t, h, "Bug")

			updateErr := h.pipe.UpdateStatus(created.ID, issue.Status(bogus))
			if updateErr != nil {
				t.Fatalf("update status: %v", updateErr)
			}

			got := h.store.current().Issues[0]
			if got.Status != issue.StatusOpen {
				t.Errorf("status = %q after invalid input, want unchanged %q", got.Status, issue.StatusOpen)
			}

			if !got.Status.Valid() {
				t.Errorf("status %q escaped the enum", got.Status)
			}
		})
	}
}

// Scenario: mutating a nonexistent id is an error for the requester
// only; the collection is untouched and nothing is broadcast.
func TestMutationsOnMissingIssue(t *testing.T) {
	t.Parallel()

	h := newHarness()
	mustCreate(t, h, "Bug")

	broadcastsBefore := h.pub.count()
	savesBefore := h.store.saveCount

	tests := []struct {
		name string
		op   func() error
	}{
		{"update_status", func() error { return h.pipe.UpdateStatus("missing", issue.StatusClosed) }},
		{"edit_issue", func() error { return h.pipe.EditIssue("missing", "t", "d") }},
		{"add_comment", func() error { return h.pipe.AddComment("missing", "alice", "hi") }},
	}

	for _, testCase := range tests {
		opErr := testCase.op()
		if !errors.Is(opErr, pipeline.ErrNotFound) {
			t.Errorf("%s error = %v, want ErrNotFound", testCase.name, opErr)
		}
	}

	if h.pub.count() != broadcastsBefore {
		t.Errorf("broadcasts = %d, want unchanged %d", h.pub.count(), broadcastsBefore)
	}

	if h.store.saveCount != savesBefore {
		t.Errorf("saves = %d, want unchanged %d", h.store.saveCount, savesBefore)
	}
}

// Scenario: edit with a blank title and a non-blank description keeps
// the title and replaces the description.
func TestEditIssueBlankFieldKeepsPriorValue(t *testing.T) {
	t.Parallel()

	h := newHarness()

	created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{Title: "Bug", Description: "old"})
	if createErr != nil {
		t.Fatalf("create: %v", createErr)
	}

	editErr := h.pipe.EditIssue(created.ID, "", "new description")
	if editErr != nil {
		t.Fatalf("edit: %v", editErr)
	}

	got := h.store.current().Issues[0]
	if got.Title != "Bug" {
		t.Errorf("title = %q, want unchanged %q", got.Title, "Bug")
	}

	if got.Description != "new description" {
		t.Errorf("description = %q, want %q", got.Description, "new description")
	}
}

// Scenario: a comment with a blank author lands as anonymous, advances
// UpdatedAt, and reaches subscribers.
func TestAddCommentDefaultsAuthor(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	h.clock.Advance(30 * time.Second)

	commentErr := h.pipe.AddComment(created.ID, "", "looks good")
	if commentErr != nil {
		t.Fatalf("add comment: %v", commentErr)
	}

	got := h.store.current().Issues[0]
	if len(got.Comments) != 1 {
		t.Fatalf("issue has %d comments, want 1", len(got.Comments))
	}

	if got.Comments[0].Author != issue.DefaultAuthor {
		t.Errorf("author = %q, want %q", got.Comments[0].Author, issue.DefaultAuthor)
	}

	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("UpdatedAt did not advance after comment")
	}

	broadcast := h.pub.last()
	if len(broadcast) != 1 || len(broadcast[0].Comments) != 1 {
		t.Error("broadcast snapshot is missing the new comment")
	}
}

func TestAddCommentRequiresText(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	savesBefore := h.store.saveCount

	commentErr := h.pipe.AddComment(created.ID, "alice", "")
	if !errors.Is(commentErr, pipeline.ErrEmptyComment) {
		t.Fatalf("error = %v, want ErrEmptyComment", commentErr)
	}

	if h.store.saveCount != savesBefore {
		t.Error("empty comment caused a save")
	}
}

// Property: comments are append-only; prior entries are never altered.
func TestCommentsAreAppendOnly(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	var previous []issue.Comment

	for idx := range 5 {
		commentErr := h.pipe.AddComment(created.ID, "alice", fmt.Sprintf("comment %d", idx))
		if commentErr != nil {
			t.Fatalf("add comment %d: %v", idx, commentErr)
		}

		comments := h.store.current().Issues[0].Comments
		if len(comments) != idx+1 {
			t.Fatalf("comment count = %d, want %d", len(comments), idx+1)
		}

		for prevIdx, prev := range previous {
			if comments[prevIdx].ID != prev.ID || comments[prevIdx].Text != prev.Text {
				t.Fatalf("comment %d changed: was %+v, now %+v", prevIdx, prev, comments[prevIdx])
			}
		}

		previous = append([]issue.Comment(nil), comments...)
	}
}

// Property: UpdatedAt is monotonically non-decreasing across an issue's
// mutation history, even when the clock jumps backwards.
func TestUpdatedAtIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	var last time.Time

	mutations := []func() error{
		func() error { return h.pipe.UpdateStatus(created.ID, issue.StatusInProgress) },
		func() error { return h.pipe.AddComment(created.ID, "alice", "note") },
		func() error { return h.pipe.EditIssue(created.ID, "Renamed", "") },
		func() error { return h.pipe.UpdateStatus(created.ID, issue.StatusClosed) },
	}

	advances := []time.Duration{time.Minute, -time.Hour, time.Second, -time.Minute}

	for idx, mutate := range mutations {
		h.clock.Advance(advances[idx])

		mutateErr := mutate()
		if mutateErr != nil {
			t.Fatalf("mutation %d: %v", idx, mutateErr)
		}

		got := h.store.current().Issues[0].UpdatedAt
		if got.Before(last) {
			t.Fatalf("UpdatedAt went backwards: %v -> %v", last, got)
		}

		last = got
	}
}

func TestSaveFailureAbortsBeforeAuditAndBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	auditBefore := len(h.trail.recorded())
	broadcastsBefore := h.pub.count()

	h.store.saveErr = errors.New("disk full")

	updateErr := h.pipe.UpdateStatus(created.ID, issue.StatusClosed)
	if updateErr == nil {
		t.Fatal("expected error when save fails")
	}

	if len(h.trail.recorded()) != auditBefore {
		t.Error("audit entry appended despite failed save")
	}

	if h.pub.count() != broadcastsBefore {
		t.Error("broadcast sent despite failed save")
	}
}

func TestAuditFailureDoesNotBlockBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.trail.recordErr = errors.New("log unavailable")

	broadcastsBefore := h.pub.count()

	_, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{Title: "Bug"})
	if createErr != nil {
		t.Fatalf("create: %v", createErr)
	}

	if h.pub.count() != broadcastsBefore+1 {
		t.Error("audit failure blocked the broadcast")
	}

	if len(h.store.current().Issues) != 1 {
		t.Error("audit failure rolled back the mutation")
	}
}

func TestLoadFailureDegradesToEmptyCollection(t *testing.T) {
	t.Parallel()

	h := newHarness()
	mustCreate(t, h, "Bug")

	h.store.loadErr = errors.New("corrupt")

	// A create still works: it applies against the empty collection the
	// failed load returned.
	created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{Title: "Second"})
	if createErr != nil {
		t.Fatalf("create after load failure: %v", createErr)
	}

	if created.Title != "Second" {
		t.Errorf("created title = %q, want %q", created.Title, "Second")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	t.Parallel()

	h := newHarness()

	if got := h.pipe.Snapshot(); len(got) != 0 {
		t.Errorf("initial snapshot has %d issues, want 0", len(got))
	}

	mustCreate(t, h, "Bug")
	mustCreate(t, h, "Feature")

	got := h.pipe.Snapshot()
	if len(got) != 2 {
		t.Fatalf("snapshot has %d issues, want 2", len(got))
	}

	// The snapshot must be a copy, not a window into pipeline state.
	got[0].Title = "tampered"

	if h.pipe.Snapshot()[0].Title == "tampered" {
		t.Error("snapshot aliases pipeline-owned memory")
	}
}

// Property: two concurrent mutations against the same issue both land;
// neither is dropped by an interleaved read-modify-write.
func TestNoLostUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness()
	created := mustCreate(t, h, "Bug")

	const commenters = 8

	var waitGroup sync.WaitGroup

	waitGroup.Add(commenters + 1)

	go func() {
		defer waitGroup.Done()

		updateErr := h.pipe.UpdateStatus(created.ID, issue.StatusInProgress)
		if updateErr != nil {
			t.Errorf("concurrent status update: %v", updateErr)
		}
	}()

	for idx := range commenters {
		go func() {
			defer waitGroup.Done()

			commentErr := h.pipe.AddComment(created.ID, "worker", fmt.Sprintf("comment %d", idx))
			if commentErr != nil {
				t.Errorf("concurrent comment %d: %v", idx, commentErr)
			}
		}()
	}

	waitGroup.Wait()

	got := h.store.current().Issues[0]

	if got.Status != issue.StatusInProgress {
		t.Errorf("status = %q, want %q (status update lost)", got.Status, issue.StatusInProgress)
	}

	if len(got.Comments) != commenters {
		t.Errorf("comment count = %d, want %d (comments lost)", len(got.Comments), commenters)
	}
}

func mustCreate(t *testing.T, h *harness, title string) issue.Issue {
	t.Helper()

	created, createErr := h.pipe.CreateIssue(pipeline.CreateRequest{Title: title})
	if createErr != nil {
		t.Fatalf("create %q: %v", title, createErr)
	}

	return created
}
