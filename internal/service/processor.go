package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	apperrors "github.com/workstead/provisioner/internal/errors"
	"github.com/workstead/provisioner/internal/observability/metrics"
	"github.com/workstead/provisioner/internal/observability/statsd"
)

const (
	defaultRecordTimeout = 30 * time.Second
	defaultRecordRetries = 2
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultInvitationTTL = 72 * time.Hour
	defaultMailerTimeout = 10 * time.Second
)

// Processor drives one batch record through the provisioning steps:
// reference validation, employee create, assignment create, invitation
// issue, and the fire-and-forget welcome email. Failures are isolated per
// record; Process never returns an error, it returns a failure outcome.
type Processor struct {
	employees core.EmployeeRepository
	mailer    core.Mailer

	recordTimeout time.Duration
	retries       int
	backoff       time.Duration
	invitationTTL time.Duration

	logger  *slog.Logger
	metrics statsd.Sink
}

// ProcessorOptions groups dependencies for Processor.
type ProcessorOptions struct {
	Employees core.EmployeeRepository // Required
	Mailer    core.Mailer             // Optional: nil skips the email step

	RecordTimeout time.Duration // per-record budget; defaults to 30s
	Retries       int           // inline retries for transient errors; 0 means the default of 2, negative disables
	Backoff       time.Duration // delay between inline retries; defaults to 500ms
	InvitationTTL time.Duration // invitation validity window; defaults to 72h

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewProcessor constructs a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Employees == nil {
		return nil, errors.New("EmployeeRepository is required")
	}

	p := &Processor{
		employees:     opts.Employees,
		mailer:        opts.Mailer,
		recordTimeout: opts.RecordTimeout,
		retries:       opts.Retries,
		backoff:       opts.Backoff,
		invitationTTL: opts.InvitationTTL,
		metrics:       opts.Metrics,
	}
	if p.recordTimeout <= 0 {
		p.recordTimeout = defaultRecordTimeout
	}
	switch {
	case opts.Retries == 0:
		p.retries = defaultRecordRetries
	case opts.Retries < 0:
		p.retries = 0
	}
	if p.backoff <= 0 {
		p.backoff = defaultRetryBackoff
	}
	if p.invitationTTL <= 0 {
		p.invitationTTL = defaultInvitationTTL
	}
	if opts.Logger != nil {
		p.logger = opts.Logger.With("component", "record_processor")
	}
	return p, nil
}

// ProcessResult carries the outcome plus how many inline retries were spent,
// which the worker adds to the job's attempt counter.
type ProcessResult struct {
	Outcome model.Outcome
	Retries int
}

// Process runs one record through the pipeline. The record runs under a
// bounded timeout; transient step errors are retried inline before the
// failure outcome is recorded. Validation and conflict errors are never
// retried.
func (p *Processor) Process(
	ctx context.Context,
	record model.BatchRecord,
	refs model.ResolvedSet,
) ProcessResult {
	start := time.Now()
	key := record.Key()

	ctx, cancel := context.WithTimeout(ctx, p.recordTimeout)
	defer cancel()

	if err := validateReferences(record, refs); err != nil {
		return p.finish(ctx, key, ProcessResult{Outcome: failureOutcome(key, err)}, start)
	}

	var employeeID string
	retries, err := p.withRetry(ctx, func() error {
		var createErr error
		employeeID, createErr = p.employees.CreateEmployee(ctx, core.CreateEmployeeParams{
			Email:    record.Email,
			FullName: record.FullName,
		})
		return createErr
	})
	result := ProcessResult{Retries: retries}
	if err != nil {
		result.Outcome = failureOutcome(key, err)
		return p.finish(ctx, key, result, start)
	}

	extra, err := p.withRetry(ctx, func() error {
		_, assignErr := p.employees.CreateAssignment(ctx, core.CreateAssignmentParams{
			EmployeeID:   employeeID,
			DepartmentID: record.DepartmentID,
			OfficeID:     record.OfficeID,
			TitleID:      record.TitleID,
		})
		return assignErr
	})
	result.Retries += extra
	if err != nil {
		result.Outcome = failureOutcome(key, err)
		return p.finish(ctx, key, result, start)
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(p.invitationTTL)
	extra, err = p.withRetry(ctx, func() error {
		_, invErr := p.employees.CreateInvitation(ctx, employeeID, token, expiresAt)
		return invErr
	})
	result.Retries += extra
	if err != nil {
		result.Outcome = failureOutcome(key, err)
		return p.finish(ctx, key, result, start)
	}

	p.sendInvitationEmail(ctx, record, token)

	result.Outcome = model.SuccessOutcome(key)
	return p.finish(ctx, key, result, start)
}

func (p *Processor) finish(ctx context.Context, key string, result ProcessResult, start time.Time) ProcessResult {
	metrics.EmitRecordOutcome(p.metrics,
		string(model.JobKindEmployeeProvisioning),
		result.Outcome.Success,
		time.Since(start),
	)
	if p.logger != nil && !result.Outcome.Success {
		p.logger.InfoContext(ctx, "record failed",
			"record_key", key,
			"error", result.Outcome.Error,
			"retries", result.Retries,
		)
	}
	return result
}

// withRetry runs fn, retrying transient errors up to the configured budget.
// Returns how many retries were consumed alongside the final error.
func (p *Processor) withRetry(ctx context.Context, fn func() error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTransient, "record timed out")
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return attempt, nil
		}
		if !apperrors.IsTransient(lastErr) {
			return attempt, lastErr
		}
	}
	return p.retries, lastErr
}

// failureOutcome builds a failure outcome tagged with the taxonomy code of
// the error, so the worker can route conflicts without parsing messages.
func failureOutcome(key string, err error) model.Outcome {
	o := model.FailureOutcome(key, err)
	o.Code = string(apperrors.GetCode(err))
	return o
}

// validateReferences checks that every reference the record points at
// resolved. A missing reference fails the record without touching the store.
func validateReferences(record model.BatchRecord, refs model.ResolvedSet) error {
	checks := []struct {
		refType model.ReferenceType
		id      string
	}{
		{model.ReferenceDepartment, record.DepartmentID},
		{model.ReferenceOffice, record.OfficeID},
		{model.ReferenceTitle, record.TitleID},
	}
	for _, c := range checks {
		if _, err := refs.Require(c.refType, c.id); err != nil {
			return apperrors.Validation(err.Error())
		}
	}
	return nil
}

// sendInvitationEmail fires the welcome email without letting delivery
// affect the record outcome. The send detaches from the record's context so
// a finished record cannot cancel it mid-flight.
func (p *Processor) sendInvitationEmail(ctx context.Context, record model.BatchRecord, token string) {
	if p.mailer == nil {
		return
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultMailerTimeout)
	go func() {
		defer cancel()
		if err := p.mailer.SendInvitation(detached, record.Email, record.FullName, token); err != nil && p.logger != nil {
			p.logger.WarnContext(detached, "invitation email failed",
				"record_key", record.Key(),
				"error", err,
			)
		}
	}()
}
