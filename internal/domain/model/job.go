// Package model defines the core data types and structures used throughout the provisioning pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind discriminates which domain pipeline produced a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the current lifecycle state of a provisioning job.
type JobStatus string

const (
	// JobKindEmployeeProvisioning is the bulk employee provisioning pipeline.
	JobKindEmployeeProvisioning JobKind = "employee_provisioning"

	// JobStatusQueued indicates a job was submitted and is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusActive indicates a worker has claimed the job and records are in flight.
	JobStatusActive JobStatus = "active"
	// JobStatusCompleted indicates every record in the batch was attempted.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job itself could not run to completion.
	JobStatusFailed JobStatus = "failed"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := JobKind(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*k = v
		return nil
	}
	return fmt.Errorf("invalid JobKind: %q", string(text))
}

// Valid returns true if the JobKind is valid.
func (k JobKind) Valid() bool {
	return k == JobKindEmployeeProvisioning
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusActive || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal returns true once a job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RecordError associates a failure message with the record that produced it.
type RecordError struct {
	RecordKey string `json:"record_key"`
	Message   string `json:"message"`
}

// JobResult holds the consolidated outcome of a finished batch.
type JobResult struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// Job is the durable ledger entry tracking one submitted batch.
type Job struct {
	ID           string        `json:"id"                     db:"id"`
	SubmitterID  string        `json:"submitter_id"           db:"submitter_id"`
	Kind         JobKind       `json:"kind"                   db:"kind"`
	Status       JobStatus     `json:"status"                 db:"status"`
	TotalRecords int           `json:"total_records"          db:"total_records"`
	SuccessCount int           `json:"success_count"          db:"success_count"`
	FailureCount int           `json:"failure_count"          db:"failure_count"`
	Progress     float64       `json:"progress"               db:"progress"`
	AttemptsMade int           `json:"attempts_made"          db:"attempts_made"`
	Errors       []RecordError `json:"errors"                 db:"errors"`
	Result       *JobResult    `json:"result,omitempty"       db:"result"`
	CreatedAt    time.Time     `json:"created_at"             db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"             db:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// CreateJobRequest represents a request to open a new ledger entry.
type CreateJobRequest struct {
	SubmitterID  string  `json:"submitter_id"`
	Kind         JobKind `json:"kind"`
	TotalRecords int     `json:"total_records"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.SubmitterID) == "" {
		return errors.New("submitter id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid job kind")
	}
	if r.TotalRecords <= 0 {
		return errors.New("total records must be positive")
	}
	return nil
}

// JobListOptions filters the status-polling list endpoint by submitter and kind.
type JobListOptions struct {
	SubmitterID string
	Kind        JobKind
	Limit       int
	Offset      int
}

// JobStatusView is the projection returned to status-polling callers.
type JobStatusView struct {
	Status       JobStatus     `json:"status"`
	Progress     float64       `json:"progress"`
	AttemptsMade int           `json:"attempts_made"`
	Errors       []RecordError `json:"errors"`
	Result       *JobResult    `json:"result,omitempty"`
}
