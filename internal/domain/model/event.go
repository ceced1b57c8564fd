package model

import "time"

// EventKind tags a lifecycle event variant.
type EventKind string

const (
	// EventQueued fires when a job is submitted.
	EventQueued EventKind = "queued"
	// EventActive fires when a worker claims a job's task.
	EventActive EventKind = "active"
	// EventProgress fires as record outcomes accumulate.
	EventProgress EventKind = "progress"
	// EventCompleted fires when every record was attempted.
	EventCompleted EventKind = "completed"
	// EventFailed fires when the task exhausted its retries.
	EventFailed EventKind = "failed"
	// EventStalled fires when a task's lease expired mid-flight.
	EventStalled EventKind = "stalled"
)

// Event is the single typed lifecycle notification emitted by the pipeline.
// The variant-specific fields are populated according to Kind; events are a
// convenience channel, the ledger stays authoritative.
type Event struct {
	Kind       EventKind  `json:"kind"`
	JobID      string     `json:"job_id"`
	JobKind    JobKind    `json:"job_kind"`
	Percent    float64    `json:"percent,omitempty"` // progress
	Result     *JobResult `json:"result,omitempty"`  // completed
	Reason     string     `json:"reason,omitempty"`  // failed
	OccurredAt time.Time  `json:"occurred_at"`
}
