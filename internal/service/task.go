package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	domaintask "github.com/workstead/provisioner/internal/domain/task"
)

// TaskServiceOptions groups dependencies for TaskService.
type TaskServiceOptions struct {
	Repo            core.TaskRepository        // Required: task queue repository
	DefaultLease    time.Duration              // Required: default lease duration for tasks
	Logger          *slog.Logger               // Optional: structured logger
	LeasePolicy     *domaintask.LeasePolicy    // Optional: override default lease policy
	Notifier        domaintask.Notifier        // Optional: custom availability notifier
	NotifierOptions domaintask.NotifierOptions // Optional: configure default notifier behaviour
}

// TaskService provides queue operations for batch tasks: enqueueing,
// reservation under a lease, heartbeats, completion, and pub/sub
// notifications for idle worker slots.
type TaskService struct {
	repo        core.TaskRepository
	leasePolicy *domaintask.LeasePolicy
	notifier    domaintask.Notifier
	logger      *slog.Logger
}

// NewTaskService constructs a new TaskService.
func NewTaskService(opts TaskServiceOptions) (*TaskService, error) {
	if opts.Repo == nil {
		return nil, errors.New("TaskRepository is required")
	}

	var leasePolicy *domaintask.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domaintask.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domaintask.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create task notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "task_service")
	}

	return &TaskService{
		repo:        opts.Repo,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		logger:      logger,
	}, nil
}

// MustNewTaskService constructs a new TaskService and panics on error.
// Use this when the options are known valid (e.g. in main.go).
func MustNewTaskService(opts TaskServiceOptions) *TaskService {
	svc, err := NewTaskService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create TaskService: %v", err))
	}
	return svc
}

// Enqueue inserts one pending task for a ledger job.
func (s *TaskService) Enqueue(ctx context.Context, req *model.EnqueueTaskRequest) (*model.Task, error) {
	task, err := s.repo.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "task enqueued",
			"id", task.ID,
			"job_id", task.JobID,
			"kind", task.Kind,
		)
	}
	return task, nil
}

// ReserveNext reserves the next available task of the given kind for processing.
func (s *TaskService) ReserveNext(
	ctx context.Context,
	kind model.JobKind,
	lease time.Duration,
) (*model.Task, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"kind", kind)
	}

	task, err := s.repo.ReserveNext(ctx, kind, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next task: %w", err)
	}

	if s.logger != nil && task != nil {
		s.logger.DebugContext(ctx, "task reserved",
			"id", task.ID,
			"job_id", task.JobID,
			"lease_seconds", decision.Seconds,
		)
	}
	return task, nil
}

// Subscribe creates a subscription for task notifications of the given kind.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *TaskService) Subscribe(kind model.JobKind) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(kind)
}

// StopListeners shuts down all notifier listener goroutines.
func (s *TaskService) StopListeners() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// Heartbeat extends the lease on a task to indicate it is still being processed.
func (s *TaskService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"task_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat task %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "task heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}
	return updated, nil
}

// Complete marks a task as completed successfully.
func (s *TaskService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "task completed", "id", id)
	}
	return completed, nil
}

// Fail marks a task attempt as failed; the queue schedules a retry until
// max_retries is exhausted. Returns the resulting task status.
func (s *TaskService) Fail(ctx context.Context, id, errMsg string) (model.TaskStatus, error) {
	if errMsg == "" {
		return "", errors.New("error message required")
	}

	status, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return "", fmt.Errorf("fail task %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "task attempt failed", "id", id, "status", status, "error", errMsg)
	}
	return status, nil
}

// Stats returns queue depth counts for the given kind.
func (s *TaskService) Stats(ctx context.Context, kind model.JobKind) (*model.TaskStats, error) {
	return s.repo.Stats(ctx, kind)
}

// DefaultLease exposes the configured default lease duration.
func (s *TaskService) DefaultLease() time.Duration {
	return s.leasePolicy.Default()
}
