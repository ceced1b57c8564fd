// Package core defines the ports between the provisioning services and the
// data layer. Services depend on these interfaces, never on concrete repos.
package core

import (
	"context"
	"time"

	"github.com/workstead/provisioner/internal/domain/model"
)

// LedgerRepository defines the interface for the durable job ledger.
type LedgerRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	Get(ctx context.Context, jobID, submitterID string) (*model.Job, error)
	GetByID(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	MarkActive(ctx context.Context, jobID string) (bool, error)
	RecordOutcome(ctx context.Context, jobID string, outcome model.Outcome) (model.OutcomeApplication, error)
	IncrementAttempts(ctx context.Context, jobID string, delta int) error
	Finalize(ctx context.Context, jobID string, status model.JobStatus, result model.JobResult) (bool, error)
}

// TaskRepository defines the interface for the durable work queue.
type TaskRepository interface {
	Enqueue(ctx context.Context, req *model.EnqueueTaskRequest) (*model.Task, error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	ReserveNext(ctx context.Context, kind model.JobKind, leaseSeconds int) (*model.Task, error)
	WaitForNotification(ctx context.Context, kind model.JobKind) error
	Heartbeat(ctx context.Context, taskID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (model.TaskStatus, error)
	Stats(ctx context.Context, kind model.JobKind) (*model.TaskStats, error)
	RequeueExpired(ctx context.Context, kind model.JobKind) (int64, error)
	ListExpiredLeases(ctx context.Context, kind model.JobKind, cutoff time.Time, limit int) ([]*model.Task, error)
	PruneFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// DirectoryRepository defines batch lookups against the reference directory.
type DirectoryRepository interface {
	FetchByIDs(ctx context.Context, refType model.ReferenceType, ids []string) ([]model.Reference, error)
}

// CreateEmployeeParams holds the fields for inserting an employee principal.
type CreateEmployeeParams struct {
	Email    string
	FullName string
}

// CreateAssignmentParams holds the fields linking an employee to its
// resolved references.
type CreateAssignmentParams struct {
	EmployeeID   string
	DepartmentID string
	OfficeID     string
	TitleID      string
}

// EmployeeRepository defines the writes the per-record processor performs.
type EmployeeRepository interface {
	CreateEmployee(ctx context.Context, params CreateEmployeeParams) (string, error)
	CreateAssignment(ctx context.Context, params CreateAssignmentParams) (string, error)
	CreateInvitation(ctx context.Context, employeeID, token string, expiresAt time.Time) (string, error)
}

// Mailer sends the welcome email for a provisioned employee. Implementations
// are fire-and-forget from the processor's point of view; delivery failures
// never fail a record.
type Mailer interface {
	SendInvitation(ctx context.Context, email, fullName, token string) error
}

// EventPublisher emits typed lifecycle events as a job moves through the
// pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event)
}
