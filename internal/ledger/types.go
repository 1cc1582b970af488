// Package ledger implements the durable task store: the dispatcher's single
// source of truth for task records, status transitions, and the audit trail.
package ledger

import (
	"encoding/json"
	"time"
)

// TaskStatus is one of the five statuses a Task can occupy.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusClosed     TaskStatus = "closed"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
)

// MaxFieldBytes bounds the Result/Error fields per §7 of the spec.
const MaxFieldBytes = 32 * 1024

// Task is one unit of work in the ledger.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	Params        json.RawMessage   `json:"params,omitempty"`
	Status        TaskStatus        `json:"status"`
	Priority      int               `json:"priority"`
	Type          string            `json:"type"`
	Labels        map[string]bool   `json:"labels,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// HasLabel reports whether the task carries the given routing label.
func (t *Task) HasLabel(label string) bool {
	return t.Labels[label]
}

// AuditEntry is one append-only record of a single ledger transition.
type AuditEntry struct {
	TaskID    string     `json:"task_id"`
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
	Timestamp time.Time  `json:"ts"`
	Attempt   int        `json:"attempt"`
	Message   string     `json:"message,omitempty"`
}

// StatusUpdate carries the optional fields an Update call may set alongside
// a status transition.
type StatusUpdate struct {
	Result  *string
	Error   *string
	Attempt *int // explicit attempt count; nil means "leave as-is"
	Message string
}
