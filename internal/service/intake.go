package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	apperrors "github.com/workstead/provisioner/internal/errors"
)

const maxBatchRecords = 10_000

// IntakeService is the submission boundary: it validates a batch, opens the
// ledger entry, enqueues the single task that will drain it, and emits the
// queued event. The external API layer calls into this service.
type IntakeService struct {
	ledger     core.LedgerRepository
	tasks      *TaskService
	events     core.EventPublisher
	validate   *validator.Validate
	logger     *slog.Logger
	maxRecords int
	maxRetries int
}

// IntakeServiceOptions groups dependencies for IntakeService.
type IntakeServiceOptions struct {
	Ledger core.LedgerRepository
	Tasks  *TaskService
	Events core.EventPublisher
	Logger *slog.Logger

	// MaxBatchRecords caps accepted submission size. Zero means the default.
	MaxBatchRecords int

	// TaskMaxRetries is the redelivery budget for enqueued tasks. Zero means
	// the queue default.
	TaskMaxRetries int
}

// NewIntakeService constructs an IntakeService.
func NewIntakeService(opts IntakeServiceOptions) (*IntakeService, error) {
	if opts.Ledger == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("TaskService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "intake")
	}

	maxRecords := opts.MaxBatchRecords
	if maxRecords <= 0 {
		maxRecords = maxBatchRecords
	}

	return &IntakeService{
		ledger:     opts.Ledger,
		tasks:      opts.Tasks,
		events:     opts.Events,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
		maxRecords: maxRecords,
		maxRetries: opts.TaskMaxRetries,
	}, nil
}

// SubmitBatchRequest carries one bulk submission.
type SubmitBatchRequest struct {
	SubmitterID string
	Records     []model.BatchRecord
}

// SubmitBatchResponse acknowledges a submission with the ledger job ID.
type SubmitBatchResponse struct {
	JobID string `json:"job_id"`
}

// Submit validates the batch, opens a queued ledger entry, and enqueues its
// task. The whole batch is rejected on any malformed record; per-record
// business failures are handled later by the worker.
func (s *IntakeService) Submit(ctx context.Context, req SubmitBatchRequest) (*SubmitBatchResponse, error) {
	if err := s.validateBatch(req); err != nil {
		return nil, err
	}

	job, err := s.ledger.Create(ctx, &model.CreateJobRequest{
		SubmitterID:  req.SubmitterID,
		Kind:         model.JobKindEmployeeProvisioning,
		TotalRecords: len(req.Records),
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger entry: %w", err)
	}

	if _, enqueueErr := s.tasks.Enqueue(ctx, &model.EnqueueTaskRequest{
		JobID:      job.ID,
		Kind:       job.Kind,
		Records:    req.Records,
		MaxRetries: s.maxRetries,
	}); enqueueErr != nil {
		// The ledger row exists but no task will ever drain it; fail the
		// job so pollers are not left staring at a queued entry forever.
		// No record was attempted, so all of them count as failures.
		result := model.JobResult{FailureCount: job.TotalRecords}
		if _, failErr := s.ledger.Finalize(ctx, job.ID, model.JobStatusFailed, result); failErr != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to finalize orphaned job",
				"job_id", job.ID,
				"error", failErr,
			)
		}
		return nil, fmt.Errorf("enqueue batch task: %w", enqueueErr)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "batch submitted",
			"job_id", job.ID,
			"submitter_id", req.SubmitterID,
			"records", len(req.Records),
		)
	}
	if s.events != nil {
		s.events.Publish(ctx, model.Event{
			Kind:    model.EventQueued,
			JobID:   job.ID,
			JobKind: job.Kind,
		})
	}

	return &SubmitBatchResponse{JobID: job.ID}, nil
}

func (s *IntakeService) validateBatch(req SubmitBatchRequest) error {
	if strings.TrimSpace(req.SubmitterID) == "" {
		return apperrors.ValidationField("submitter_id", "submitter id is required")
	}
	if len(req.Records) == 0 {
		return apperrors.Validation("batch must contain at least one record")
	}
	if len(req.Records) > s.maxRecords {
		return apperrors.Validationf("batch exceeds %d records", s.maxRecords)
	}

	seen := make(map[string]struct{}, len(req.Records))
	for i, record := range req.Records {
		if err := s.validate.Struct(record); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "record %d invalid", i)
		}
		key := strings.ToLower(record.Key())
		if _, dup := seen[key]; dup {
			return apperrors.Validationf("duplicate record key: %s", record.Key())
		}
		seen[key] = struct{}{}
	}
	return nil
}
