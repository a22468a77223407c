// Package pipeline is the single chokepoint every mutation passes
// through: validate, load the collection, apply the change, persist,
// append the audit entry, and broadcast the new snapshot.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calvinalkan/issued/internal/audit"
	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/logger"
)

// User-visible errors. Everything else surfaced by the pipeline is
// operational and stays in the logs.
var (
	// ErrNotFound reports that a mutation targeted an issue id absent
	// from the collection. No state changes and nothing is broadcast.
	ErrNotFound = errors.New("issue not found")

	// ErrEmptyComment reports a comment with blank text, the one
	// required field in the protocol.
	ErrEmptyComment = errors.New("comment text is required")
)

// Store is the persistence contract the pipeline mutates through.
// Load must fail closed: on error it returns an empty collection, never
// a partial one.
type Store interface {
	Load() (issue.Collection, error)
	Save(issue.Collection) error
}

// Auditor records one entry per committed mutation.
type Auditor interface {
	Record(action, issueID string) error
}

// Publisher receives the full collection snapshot after every commit.
type Publisher interface {
	Publish(issues []issue.Issue)
}

// Pipeline serializes every load-mutate-save-audit-broadcast cycle:
// at most one mutation is in flight against the store at any time, no
// matter how many connections submit concurrently. Interleaved
// read-modify-write cycles would silently lose updates otherwise.
type Pipeline struct {
	mu    sync.Mutex
	store Store
	trail Auditor
	pub   Publisher
	log   logger.Logger
	now   func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New wires a pipeline. All dependencies are required.
func New(store Store, trail Auditor, pub Publisher, log logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store: store,
		trail: trail,
		pub:   pub,
		log:   log,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// CreateRequest carries the optional fields of a new issue. Blank fields
// get defaults; there is no way to fail a create.
type CreateRequest struct {
	Title       string
	Description string
	Creator     string
}

// CreateIssue inserts a new open issue and returns it.
func (p *Pipeline) CreateIssue(req CreateRequest) (issue.Issue, error) {
	var created issue.Issue

	err := p.commit(audit.ActionCreate, func(collection *issue.Collection) (string, error) {
		created = issue.New(req.Title, req.Description, req.Creator, p.now().UTC())
		collection.Issues = append(collection.Issues, created)

		return created.ID, nil
	})
	if err != nil {
		return issue.Issue{}, err
	}

	return created, nil
}

// UpdateStatus sets the status of an existing issue. An unrecognized
// status value is not an error: the existing status is kept and only
// UpdatedAt advances, matching the permissive-input policy of the rest
// of the protocol.
func (p *Pipeline) UpdateStatus(id string, status issue.Status) error {
	return p.commit(audit.ActionUpdateStatus, func(collection *issue.Collection) (string, error) {
		target := collection.Find(id)
		if target == nil {
			return "", ErrNotFound
		}

		if status.Valid() {
			target.Status = status
		}

		target.Touch(p.now().UTC())

		return target.ID, nil
	})
}

// EditIssue replaces the title and/or description of an existing issue.
// A blank field keeps the prior value.
func (p *Pipeline) EditIssue(id, title, description string) error {
	return p.commit(audit.ActionEditIssue, func(collection *issue.Collection) (string, error) {
		target := collection.Find(id)
		if target == nil {
			return "", ErrNotFound
		}

		if title != "" {
			target.Title = title
		}

		if description != "" {
			target.Description = description
		}

		target.Touch(p.now().UTC())

		return target.ID, nil
	})
}

// AddComment appends a comment to an existing issue. Text is required;
// a blank author defaults to anonymous.
func (p *Pipeline) AddComment(id, author, text string) error {
	if text == "" {
		return ErrEmptyComment
	}

	return p.commit(audit.ActionAddComment, func(collection *issue.Collection) (string, error) {
		target := collection.Find(id)
		if target == nil {
			return "", ErrNotFound
		}

		now := p.now().UTC()
		target.Comments = append(target.Comments, issue.NewComment(author, text, now))
		target.Touch(now)

		return target.ID, nil
	})
}

// Snapshot returns a deep copy of the current collection. It takes the
// same mutex as the mutations, so a joining subscriber never observes a
// half-applied cycle.
func (p *Pipeline) Snapshot() []issue.Issue {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.load().Clone().Issues
}

// Attach runs join with the current collection inside the pipeline's
// critical section. Because commits broadcast while holding the same
// mutex, a subscriber registered during join cannot miss a commit made
// after its snapshot, and no broadcast can slip in between registration
// and the initial send.
func (p *Pipeline) Attach(join func(snapshot []issue.Issue)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	join(p.load().Clone().Issues)
}

// load reads the collection, logging and degrading to empty on failure.
// Must be called with p.mu held.
func (p *Pipeline) load() issue.Collection {
	collection, loadErr := p.store.Load()
	if loadErr != nil {
		p.log.Error("loading collection failed, continuing with empty state", "error", loadErr)
	}

	return collection
}

// commit runs one serialized mutation cycle. mutate applies the change
// in place and returns the affected issue id, or a user-visible error.
//
// A failed save aborts before audit and broadcast: broadcasting state
// that is not durable would desynchronize subscribers from disk. A
// failed audit append is logged and does not block the broadcast.
func (p *Pipeline) commit(action string, mutate func(*issue.Collection) (string, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	collection := p.load()

	issueID, mutateErr := mutate(&collection)
	if mutateErr != nil {
		return mutateErr
	}

	saveErr := p.store.Save(collection)
	if saveErr != nil {
		p.log.Error("saving collection failed, mutation aborted",
			"action", action,
			"issue_id", issueID,
			"error", saveErr,
		)

		return fmt.Errorf("persisting %s: %w", action, saveErr)
	}

	auditErr := p.trail.Record(action, issueID)
	if auditErr != nil {
		p.log.Warn("audit append failed",
			"action", action,
			"issue_id", issueID,
			"error", auditErr,
		)
	}

	p.pub.Publish(collection.Clone().Issues)

	p.log.Info("mutation committed", "action", action, "issue_id", issueID)

	return nil
}
