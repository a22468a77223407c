// Package issue defines the issue data model shared by the store, the
// mutation pipeline, and the wire protocol.
package issue

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an issue.
type Status string

// Valid statuses. An issue always starts as StatusOpen.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

//nolint:gochecknoglobals // package-level constant
var validStatuses = []Status{StatusOpen, StatusInProgress, StatusClosed}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	return slices.Contains(validStatuses, s)
}

// Defaults substituted for absent optional fields.
const (
	DefaultTitle   = "Untitled"
	DefaultCreator = "unknown"
	DefaultAuthor  = "anonymous"
)

// Comment is a timestamped note attached to an issue. Comments are
// append-only: nothing removes or reorders them once added.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is a trackable unit of work with a status and a discussion thread.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Creator     string    `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Comments    []Comment `json:"comments"`
}

// NewID generates a time-ordered unique identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New constructs an issue at time now, substituting defaults for blank
// optional fields. The issue starts open with no comments.
func New(title, description, creator string, now time.Time) Issue {
	if title == "" {
		title = DefaultTitle
	}

	if creator == "" {
		creator = DefaultCreator
	}

	return Issue{
		ID:          NewID(),
		Title:       title,
		Description: description,
		Status:      StatusOpen,
		Creator:     creator,
		CreatedAt:   now,
		UpdatedAt:   now,
		Comments:    []Comment{},
	}
}

// NewComment constructs a comment at time now, substituting the default
// author if blank. Text validation is the caller's responsibility.
func NewComment(author, text string, now time.Time) Comment {
	if author == "" {
		author = DefaultAuthor
	}

	return Comment{
		ID:        NewID(),
		Author:    author,
		Text:      text,
		CreatedAt: now,
	}
}

// Touch advances UpdatedAt to now. UpdatedAt never moves backwards, so a
// skewed clock cannot violate the monotonicity of the mutation history.
func (i *Issue) Touch(now time.Time) {
	if now.After(i.UpdatedAt) {
		i.UpdatedAt = now
	}
}

// Clone returns a deep copy of the issue.
func (i Issue) Clone() Issue {
	clone := i
	clone.Comments = slices.Clone(i.Comments)

	return clone
}

// Collection is the full set of issues, keyed by ID with insertion order
// preserved for stable display.
type Collection struct {
	Issues []Issue `json:"issues"`
}

// Find returns a pointer to the issue with the given id, or nil if absent.
// The pointer aliases the collection's backing slice.
func (c *Collection) Find(id string) *Issue {
	for idx := range c.Issues {
		if c.Issues[idx].ID == id {
			return &c.Issues[idx]
		}
	}

	return nil
}

// Clone returns a deep copy of the collection. Snapshots handed to
// subscribers are clones, so later mutations never alias delivered state.
func (c Collection) Clone() Collection {
	issues := make([]Issue, len(c.Issues))
	for idx, iss := range c.Issues {
		issues[idx] = iss.Clone()
	}

	return Collection{Issues: issues}
}
