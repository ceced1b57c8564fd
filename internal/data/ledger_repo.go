// Package data implements the Postgres and Redis repositories behind the
// provisioning pipeline's core ports.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/workstead/provisioner/internal/domain/model"
)

// ErrJobNotFound is returned when a ledger entry is not found for the caller.
var ErrJobNotFound = errors.New("job not found")

// LedgerRepo provides database operations for the durable job ledger.
//
// All counter mutations are single UPDATE statements with field-level
// increments so interleaved record completions never lose an update; the
// repo performs no read-modify-write on counters in application code.
type LedgerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// LedgerRepoConfig holds configuration options for the ledger repository.
type LedgerRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewLedgerRepo creates a new LedgerRepo with the given database connection.
func NewLedgerRepo(db *sql.DB, cfg LedgerRepoConfig) *LedgerRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &LedgerRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

// progress is derived from the counters at read time so it can never drift
// from success_count + failure_count.
const ledgerColumns = `
  id,
  submitter_id,
  kind,
  status,
  total_records,
  success_count,
  failure_count,
  round((success_count + failure_count)::numeric * 100 / total_records, 2)::float8 AS progress,
  attempts_made,
  errors,
  result,
  created_at,
  updated_at,
  completed_at
`

// Create opens a new ledger entry with status queued and zeroed counters.
func (r *LedgerRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO provisioning_jobs(submitter_id, kind, status, total_records, created_at, updated_at)
      VALUES ($1, $2, 'queued', $3, $4, $4)
      RETURNING `+ledgerColumns,
		req.SubmitterID, req.Kind, req.TotalRecords, now)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get retrieves a ledger entry scoped by its owning submitter.
func (r *LedgerRepo) Get(ctx context.Context, jobID, submitterID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM provisioning_jobs
		WHERE id = $1 AND submitter_id = $2
	`, jobID, submitterID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByID retrieves a ledger entry without submitter scoping, for internal use
// by the worker and the event dispatcher.
func (r *LedgerRepo) GetByID(ctx context.Context, jobID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM provisioning_jobs
		WHERE id = $1
	`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// List returns ledger entries for a submitter, newest first, optionally
// filtered by kind.
func (r *LedgerRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.SubmitterID == "" {
		return nil, errors.New("submitter id is required")
	}

	query := `
		SELECT ` + ledgerColumns + `
		FROM provisioning_jobs
		WHERE submitter_id = $1
	`
	args := []any{opts.SubmitterID}
	if opts.Kind != "" {
		args = append(args, opts.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, opts.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("list jobs: %w", rowsErr)
	}
	return jobs, nil
}

// MarkActive transitions a queued job to active. Calling it on an already
// active job is a no-op, so redelivered tasks can claim safely.
func (r *LedgerRepo) MarkActive(ctx context.Context, jobID string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET status = 'active', updated_at = $2
		WHERE id = $1 AND status = 'queued'
	`, jobID, now)
	if err != nil {
		return false, fmt.Errorf("mark job active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark active rows affected: %w", err)
	}
	return affected > 0, nil
}

// RecordOutcome applies one record outcome to the ledger counters and
// returns the resulting progress.
//
// The statement is a pure increment guarded by the total, so concurrent
// completions within one batch serialize on the row without losing updates,
// and a double-applied outcome can never push the counters past
// total_records. Failure outcomes append to the error list in the same
// statement.
func (r *LedgerRepo) RecordOutcome(
	ctx context.Context,
	jobID string,
	outcome model.Outcome,
) (model.OutcomeApplication, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE provisioning_jobs
		SET success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		    errors = CASE WHEN $2 THEN errors
		                  ELSE errors || jsonb_build_array(jsonb_build_object('record_key', $3::text, 'message', $4::text)) END,
		    updated_at = $5
		WHERE id = $1
		  AND status = 'active'
		  AND success_count + failure_count < total_records
		RETURNING round((success_count + failure_count)::numeric * 100 / total_records, 2)::float8,
		          success_count, failure_count
	`, jobID, outcome.Success, outcome.RecordKey, outcome.Error, now)

	var app model.OutcomeApplication
	err := row.Scan(&app.Progress, &app.SuccessCount, &app.FailureCount)
	if errors.Is(err, sql.ErrNoRows) {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "record outcome skipped",
				"job_id", jobID,
				"record_key", outcome.RecordKey,
			)
		}
		return model.OutcomeApplication{}, nil
	}
	if err != nil {
		return model.OutcomeApplication{}, fmt.Errorf("record outcome: %w", err)
	}
	app.Applied = true
	return app, nil
}

// IncrementAttempts bumps the job-level retry counter by delta.
func (r *LedgerRepo) IncrementAttempts(ctx context.Context, jobID string, delta int) error {
	if delta <= 0 {
		return nil
	}
	now := r.timeProvider.Now().UTC()
	if _, err := r.DB.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET attempts_made = attempts_made + $2, updated_at = $3
		WHERE id = $1
	`, jobID, delta, now); err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	return nil
}

// Finalize freezes the ledger entry at a terminal status and attaches the
// consolidated result. The status guard makes it idempotent: finalizing an
// already-terminal job changes nothing, which absorbs duplicate terminal
// events from at-least-once delivery.
func (r *LedgerRepo) Finalize(
	ctx context.Context,
	jobID string,
	status model.JobStatus,
	result model.JobResult,
) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %s", status)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET status = $2, result = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('queued', 'active')
	`, jobID, status, payload, now)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}
	return affected > 0, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		errorsRaw   []byte
		resultRaw   []byte
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.SubmitterID,
		&job.Kind,
		&job.Status,
		&job.TotalRecords,
		&job.SuccessCount,
		&job.FailureCount,
		&job.Progress,
		&job.AttemptsMade,
		&errorsRaw,
		&resultRaw,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if len(errorsRaw) > 0 {
		if err := json.Unmarshal(errorsRaw, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		var result model.JobResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &result
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}
