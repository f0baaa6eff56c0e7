package domain

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

const TitleMaxLen = 255

// CancelledByUser is the error_info written when a user cancels a task.
const CancelledByUser = "Task cancelled by user"

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("illegal status transition")
)

// ValidationError rejects a malformed creation request before anything
// is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Task is the persisted unit of work and its lifecycle state.
// StartedAt and CompletedAt are stamped at most once; Result is set on
// completion, ErrorInfo on failure or cancellation.
type Task struct {
	ID          int64
	Title       string
	Description string
	Priority    Priority
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      string
	ErrorInfo   string
	// QueuedAt is the last successful publish to the queue. Internal
	// bookkeeping for the sweeper, never exposed on the wire.
	QueuedAt *time.Time
}

// transitions is the full set of legal status moves. Terminal states are
// absorbing and appear on no left-hand side.
var transitions = map[Status][]Status{
	StatusNew:        {StatusPending, StatusCancelled},
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// ApplyTransition moves t to next in place, or returns ErrConflict when the
// table forbids it. Entering in_progress stamps StartedAt once; entering a
// terminal state stamps CompletedAt once. Empty result/errorInfo leave the
// stored values untouched, so reprocessing cannot clobber a settled outcome.
func ApplyTransition(t *Task, next Status, result, errorInfo string, now time.Time) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("task %d is %s, cannot become %s: %w", t.ID, t.Status, next, ErrConflict)
	}
	t.Status = next
	if next == StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if next.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if result != "" {
		t.Result = result
	}
	if errorInfo != "" {
		t.ErrorInfo = errorInfo
	}
	return nil
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusNew, StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s), true
	}
	return "", false
}

// Wire maps the logical priority onto the 1-10 scale attached to queue
// messages, higher served first.
func (p Priority) Wire() uint8 {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityMedium:
		return 5
	default:
		return 1
	}
}

// ListFilter selects one page of tasks. Page is 1-based; PageSize is
// expected to be clamped to 1..100 by the caller.
type ListFilter struct {
	Status   *Status
	Priority *Priority
	Page     int
	PageSize int
}

// NewTask is a creation request. Validate normalizes an empty priority to
// medium.
type NewTask struct {
	Title       string
	Description string
	Priority    Priority
}

func (n *NewTask) Validate() error {
	if n.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if len(n.Title) > TitleMaxLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d characters", TitleMaxLen)}
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if _, ok := ParsePriority(string(n.Priority)); !ok {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", n.Priority)}
	}
	return nil
}
