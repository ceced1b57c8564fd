package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
)

// LedgerService owns lifecycle mutations of ledger entries and emits the
// matching lifecycle events. All state changes go through the repo's
// increment-only SQL; this layer adds event emission and logging.
type LedgerService struct {
	repo   core.LedgerRepository
	events core.EventPublisher
	logger *slog.Logger
}

// LedgerServiceOptions groups dependencies for LedgerService.
type LedgerServiceOptions struct {
	Repo   core.LedgerRepository
	Events core.EventPublisher
	Logger *slog.Logger
}

// NewLedgerService constructs a new LedgerService.
func NewLedgerService(opts LedgerServiceOptions) (*LedgerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "ledger_service")
	}

	return &LedgerService{
		repo:   opts.Repo,
		events: opts.Events,
		logger: logger,
	}, nil
}

// Get retrieves a ledger entry scoped by its owning submitter.
func (s *LedgerService) Get(ctx context.Context, jobID, submitterID string) (*model.Job, error) {
	return s.repo.Get(ctx, jobID, submitterID)
}

// Status returns the polling projection for a job.
func (s *LedgerService) Status(ctx context.Context, jobID, submitterID string) (*model.JobStatusView, error) {
	job, err := s.repo.Get(ctx, jobID, submitterID)
	if err != nil {
		return nil, err
	}
	return &model.JobStatusView{
		Status:       job.Status,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		Errors:       job.Errors,
		Result:       job.Result,
	}, nil
}

// List returns a submitter's jobs, newest first.
func (s *LedgerService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.List(ctx, opts)
}

// Activate transitions a queued job to active and emits the active event.
// Re-activation of an already active job is a silent no-op, so redelivered
// tasks claim safely.
func (s *LedgerService) Activate(ctx context.Context, job *model.Job) error {
	transitioned, err := s.repo.MarkActive(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("activate job %s: %w", job.ID, err)
	}
	if !transitioned {
		return nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job active", "job_id", job.ID, "total_records", job.TotalRecords)
	}
	s.publish(ctx, model.Event{
		Kind:    model.EventActive,
		JobID:   job.ID,
		JobKind: job.Kind,
	})
	return nil
}

// ApplyOutcome records one record outcome and emits a progress event when
// the counters moved.
func (s *LedgerService) ApplyOutcome(
	ctx context.Context,
	job *model.Job,
	outcome model.Outcome,
) (model.OutcomeApplication, error) {
	app, err := s.repo.RecordOutcome(ctx, job.ID, outcome)
	if err != nil {
		return model.OutcomeApplication{}, fmt.Errorf("apply outcome for job %s: %w", job.ID, err)
	}
	if !app.Applied {
		return app, nil
	}

	s.publish(ctx, model.Event{
		Kind:    model.EventProgress,
		JobID:   job.ID,
		JobKind: job.Kind,
		Percent: app.Progress,
	})
	return app, nil
}

// AddAttempts bumps the job-level attempt counter by delta.
func (s *LedgerService) AddAttempts(ctx context.Context, jobID string, delta int) error {
	return s.repo.IncrementAttempts(ctx, jobID, delta)
}

// Complete finalizes a job as completed with the consolidated result and
// emits the completed event. Idempotent: a second completion is a no-op.
func (s *LedgerService) Complete(ctx context.Context, job *model.Job, result model.JobResult) error {
	transitioned, err := s.repo.Finalize(ctx, job.ID, model.JobStatusCompleted, result)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !transitioned {
		return nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"success_count", result.SuccessCount,
			"failure_count", result.FailureCount,
		)
	}
	s.publish(ctx, model.Event{
		Kind:    model.EventCompleted,
		JobID:   job.ID,
		JobKind: job.Kind,
		Result:  &result,
	})
	return nil
}

// FailJob finalizes a job as failed with the given reason and emits the
// failed event. Idempotent like Complete. Records the batch never reached
// count as failures, so the result always accounts for every record.
func (s *LedgerService) FailJob(ctx context.Context, job *model.Job, reason string, result model.JobResult) error {
	if result.SuccessCount+result.FailureCount < job.TotalRecords {
		result.FailureCount = job.TotalRecords - result.SuccessCount
	}
	transitioned, err := s.repo.Finalize(ctx, job.ID, model.JobStatusFailed, result)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !transitioned {
		return nil
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed", "job_id", job.ID, "reason", reason)
	}
	s.publish(ctx, model.Event{
		Kind:    model.EventFailed,
		JobID:   job.ID,
		JobKind: job.Kind,
		Reason:  reason,
	})
	return nil
}

// MarkStalled emits a stalled event for a job whose task lease lapsed. The
// job status is left untouched; the requeued task will resume it.
func (s *LedgerService) MarkStalled(ctx context.Context, jobID string, kind model.JobKind, reason string) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job stalled", "job_id", jobID, "reason", reason)
	}
	s.publish(ctx, model.Event{
		Kind:    model.EventStalled,
		JobID:   jobID,
		JobKind: kind,
		Reason:  reason,
	})
}

func (s *LedgerService) publish(ctx context.Context, event model.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event)
}
