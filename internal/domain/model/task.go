package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoTasksAvailable is returned when no tasks are available for reservation.
var ErrNoTasksAvailable = errors.New("no tasks available")

// TaskStatus represents the queue-side state of a batch task.
type TaskStatus string

const (
	// TaskStatusPending indicates a task is waiting for a worker slot.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker holds the task under a lease.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task ran to completion.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the TaskStatus is valid.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusPending || s == TaskStatusRunning || s == TaskStatusCompleted ||
		s == TaskStatusFailed
}

// Task is one queue delivery: the unit a worker slot reserves and drives to
// completion. Exactly one task exists per ledger job, so a redelivered task
// always refers to the same job row.
type Task struct {
	ID             string          `json:"id"                         db:"id"`
	JobID          string          `json:"job_id"                     db:"job_id"`
	Kind           JobKind         `json:"kind"                       db:"kind"`
	Status         TaskStatus      `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// TaskPayload is the enqueue payload carried by a batch task.
type TaskPayload struct {
	JobID   string        `json:"job_id"`
	Kind    JobKind       `json:"kind"`
	Records []BatchRecord `json:"records"`
}

// EnqueueTaskRequest represents a request to enqueue one batch task.
type EnqueueTaskRequest struct {
	JobID      string
	Kind       JobKind
	Records    []BatchRecord
	MaxRetries int
}

// Validate validates the EnqueueTaskRequest fields.
func (r *EnqueueTaskRequest) Validate() error {
	if r.JobID == "" {
		return errors.New("job id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid task kind")
	}
	if len(r.Records) == 0 {
		return errors.New("records are required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// TaskStats represents counts of tasks in each queue state.
type TaskStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
