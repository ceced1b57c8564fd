// Package worker drains the provisioning task queue with a fixed-size pool
// of goroutine slots and drives each batch through resolution, per-record
// processing, and ledger aggregation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/observability/metrics"
	"github.com/workstead/provisioner/internal/observability/statsd"
	"github.com/workstead/provisioner/internal/service"
)

const (
	defaultConcurrency       = 20
	defaultRecordParallelism = 8
	defaultLease             = 30 * time.Second
	defaultMarkerTTL         = 24 * time.Hour

	markerValue = "1"
)

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Tasks     *service.TaskService     // Required
	Ledger    *service.LedgerService   // Required
	LedgerSrc core.LedgerRepository    // Required: direct reads for task claims
	Resolver  *service.Resolver        // Required
	Processor *service.Processor       // Required
	Cache     core.CacheRepository     // Optional: idempotency markers; nil disables skip-on-redelivery

	Kind              model.JobKind // defaults to employee provisioning
	Lease             time.Duration // per-task lease; defaults to 30s
	Concurrency       int           // worker slots; defaults to 20
	RecordParallelism int           // bounded per-batch record fan-out; defaults to 8
	MarkerTTL         time.Duration // idempotency marker TTL; defaults to 24h

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner is the fixed-size worker pool. Each slot reserves one task at a
// time and holds it under a lease until the batch reaches a terminal state.
type Runner struct {
	tasks     *service.TaskService
	ledger    *service.LedgerService
	ledgerSrc core.LedgerRepository
	resolver  *service.Resolver
	processor *service.Processor
	cache     core.CacheRepository

	kind        model.JobKind
	lease       time.Duration
	workers     int
	parallelism int
	markerTTL   time.Duration

	logger  *slog.Logger
	metrics statsd.Sink
}

// NewRunner constructs the worker pool.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskService is required")
	}
	if opts.Ledger == nil || opts.LedgerSrc == nil {
		return nil, errors.New("ledger service and repository are required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("Resolver is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("Processor is required")
	}

	r := &Runner{
		tasks:       opts.Tasks,
		ledger:      opts.Ledger,
		ledgerSrc:   opts.LedgerSrc,
		resolver:    opts.Resolver,
		processor:   opts.Processor,
		cache:       opts.Cache,
		kind:        opts.Kind,
		lease:       opts.Lease,
		workers:     opts.Concurrency,
		parallelism: opts.RecordParallelism,
		markerTTL:   opts.MarkerTTL,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if !r.kind.Valid() {
		r.kind = model.JobKindEmployeeProvisioning
	}
	if r.lease <= 0 {
		r.lease = defaultLease
	}
	if r.workers <= 0 {
		r.workers = defaultConcurrency
	}
	if r.parallelism <= 0 {
		r.parallelism = defaultRecordParallelism
	}
	if r.markerTTL <= 0 {
		r.markerTTL = defaultMarkerTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "worker")
	return r, nil
}

// Run starts the worker slots and processes tasks until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker pool",
		"kind", r.kind,
		"workers", r.workers,
		"record_parallelism", r.parallelism,
		"lease", r.lease,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, notifyCh := r.tasks.Subscribe(r.kind)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.slotLoop(ctx, notifyCh); err != nil {
				// first error wins, cancels all slots
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) slotLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		task, err := r.tasks.ReserveNext(ctx, r.kind, r.lease)
		switch {
		case err == nil:
			if task != nil {
				r.processTask(ctx, task)
			}
		case errors.Is(err, model.ErrNoTasksAvailable):
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

// processTask drives one reserved task to a terminal state. Task-level
// failures go back through the queue's retry path; record-level failures are
// absorbed into outcomes and never fail the task.
func (r *Runner) processTask(ctx context.Context, task *model.Task) {
	start := time.Now()

	stopHeartbeat := r.startHeartbeat(ctx, task.ID)
	defer stopHeartbeat()

	err := r.runBatch(ctx, task)
	if err != nil {
		r.failTask(ctx, task, err)
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobKind:    string(task.Kind),
			Transition: "task_failed",
			Result:     metrics.ResultError,
			Duration:   time.Since(start),
			Err:        err,
		})
		return
	}

	if completed, completeErr := r.tasks.Complete(ctx, task.ID); completeErr != nil {
		r.logger.ErrorContext(ctx, "complete task error", "task_id", task.ID, "error", completeErr)
	} else if !completed {
		r.logger.WarnContext(ctx, "task already released before completion", "task_id", task.ID)
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobKind:    string(task.Kind),
		Transition: "task_completed",
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(start),
	})
}

func (r *Runner) runBatch(ctx context.Context, task *model.Task) error {
	var payload model.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	if payload.JobID == "" || len(payload.Records) == 0 {
		return errors.New("task payload missing job id or records")
	}

	job, err := r.ledgerSrc.GetByID(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load ledger entry %s: %w", payload.JobID, err)
	}
	if job.Status.Terminal() {
		// Redelivered task for an already-finalized job; nothing to do.
		r.logger.InfoContext(ctx, "skipping task for terminal job",
			"task_id", task.ID,
			"job_id", job.ID,
			"status", job.Status,
		)
		return nil
	}

	if err := r.ledger.Activate(ctx, job); err != nil {
		return err
	}

	refs, err := r.resolver.ResolveBatch(ctx, payload.Records)
	if err != nil {
		return fmt.Errorf("resolve references: %w", err)
	}

	if err := r.processRecords(ctx, job, payload.Records, refs); err != nil {
		return err
	}

	return r.finalizeJob(ctx, job)
}

// processRecords fans the batch out across a bounded set of goroutines. A
// record that already carries an idempotency marker was recorded by an
// earlier delivery and is skipped.
func (r *Runner) processRecords(
	ctx context.Context,
	job *model.Job,
	records []model.BatchRecord,
	refs model.ResolvedSet,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for _, record := range records {
		record := record
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			if r.alreadyRecorded(gctx, job.ID, record.Key()) {
				return nil
			}

			result := r.processor.Process(gctx, record, refs)
			outcome := result.Outcome

			// Conflicts count as failure outcomes like any other record
			// failure. A redelivered record that was already counted is
			// caught by the marker check above; if the marker was lost,
			// the counter guard in ApplyOutcome keeps the totals honest.
			app, err := r.ledger.ApplyOutcome(gctx, job, outcome)
			if err != nil {
				return err
			}
			if app.Applied {
				r.markRecorded(gctx, job.ID, record.Key())
			}
			if result.Retries > 0 {
				if attemptsErr := r.ledger.AddAttempts(gctx, job.ID, result.Retries); attemptsErr != nil {
					r.logger.WarnContext(gctx, "increment attempts failed",
						"job_id", job.ID,
						"error", attemptsErr,
					)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// finalizeJob completes the ledger entry once every record has an outcome.
// A batch left short (skips after redelivery with a finalized job handled
// earlier) finalizes from the authoritative counters.
func (r *Runner) finalizeJob(ctx context.Context, job *model.Job) error {
	final, err := r.ledgerSrc.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload ledger entry %s: %w", job.ID, err)
	}
	if final.Status.Terminal() {
		return nil
	}
	if final.SuccessCount+final.FailureCount < final.TotalRecords {
		return fmt.Errorf("job %s has %d of %d outcomes recorded",
			job.ID, final.SuccessCount+final.FailureCount, final.TotalRecords)
	}

	return r.ledger.Complete(ctx, final, model.JobResult{
		SuccessCount: final.SuccessCount,
		FailureCount: final.FailureCount,
	})
}

// failTask routes a batch-level error through the queue retry path. When the
// queue declares the task exhausted, the job is finalized as failed with the
// outcomes recorded so far.
func (r *Runner) failTask(ctx context.Context, task *model.Task, taskErr error) {
	r.logger.ErrorContext(ctx, "task processing failed",
		"task_id", task.ID,
		"job_id", task.JobID,
		"error", taskErr,
	)

	status, err := r.tasks.Fail(ctx, task.ID, taskErr.Error())
	if err != nil {
		r.logger.ErrorContext(ctx, "fail task error", "task_id", task.ID, "error", err)
		return
	}
	if status != model.TaskStatusFailed {
		return
	}

	job, err := r.ledgerSrc.GetByID(ctx, task.JobID)
	if err != nil {
		r.logger.ErrorContext(ctx, "load job for failure", "job_id", task.JobID, "error", err)
		return
	}
	if failErr := r.ledger.FailJob(ctx, job, taskErr.Error(), model.JobResult{
		SuccessCount: job.SuccessCount,
		FailureCount: job.FailureCount,
	}); failErr != nil {
		r.logger.ErrorContext(ctx, "finalize failed job", "job_id", job.ID, "error", failErr)
	}
}

func markerKey(jobID, recordKey string) string {
	return fmt.Sprintf("prov:done:%s:%s", jobID, recordKey)
}

func (r *Runner) alreadyRecorded(ctx context.Context, jobID, recordKey string) bool {
	if r.cache == nil {
		return false
	}
	exists, err := r.cache.Exists(ctx, markerKey(jobID, recordKey))
	if err != nil {
		// Advisory marker; on cache failure process the record and lean on
		// the ledger guard plus the conflict backstop.
		return false
	}
	return exists
}

func (r *Runner) markRecorded(ctx context.Context, jobID, recordKey string) {
	if r.cache == nil {
		return
	}
	if _, err := r.cache.SetIfNotExists(ctx, markerKey(jobID, recordKey), []byte(markerValue), r.markerTTL); err != nil {
		r.logger.WarnContext(ctx, "write idempotency marker failed",
			"job_id", jobID,
			"record_key", recordKey,
			"error", err,
		)
	}
}

// startHeartbeat extends the task lease at a third of its duration until the
// returned stop function is called.
func (r *Runner) startHeartbeat(ctx context.Context, taskID string) func() {
	interval := r.lease / 3
	if interval < time.Second {
		interval = time.Second
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.tasks.Heartbeat(hbCtx, taskID, r.lease); err != nil {
					r.logger.WarnContext(hbCtx, "task heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
