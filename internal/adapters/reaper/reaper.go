// Package reaper recovers tasks whose worker died mid-batch and trims the
// finished task backlog.
package reaper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workstead/provisioner/config"
	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/observability/metrics"
	"github.com/workstead/provisioner/internal/observability/statsd"
	"github.com/workstead/provisioner/internal/service"
)

// Options groups dependencies for the Reaper.
type Options struct {
	Tasks   core.TaskRepository    // Required: task queue repository
	Ledger  *service.LedgerService // Required: emits stalled events for lapsed leases
	Config  config.ReaperConfig    // Required: reaper configuration
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// Reaper periodically requeues tasks with expired leases and deletes old
// finished tasks so the queue table stays small.
type Reaper struct {
	tasks   core.TaskRepository
	ledger  *service.LedgerService
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// New constructs a Reaper.
func New(opts Options) (*Reaper, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskRepository is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("LedgerService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper")
		logger.Debug("Reaper initialized",
			"interval", opts.Config.Interval,
			"finished_max_age", opts.Config.FinishedMaxAge,
			"stalled_list_limit", opts.Config.StalledListLimit,
		)
	}

	return &Reaper{
		tasks:   opts.Tasks,
		ledger:  opts.Ledger,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Reaper) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting reaper", "interval", r.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// Run a sweep immediately after jitter
	if err := r.runSweep(ctx); err != nil {
		r.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			if r.logger != nil {
				r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := r.runSweep(ctx); err != nil {
				r.logSweepError(err, "sweep")
				// Continue running despite errors
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (r *Reaper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if r.logger != nil {
			r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runSweep performs one pass of lease recovery and queue trimming.
func (r *Reaper) runSweep(ctx context.Context) error {
	start := time.Now()

	requeued, requeueErr := r.requeueExpiredLeases(ctx)
	pruned, pruneErr := r.pruneFinishedTasks(ctx)

	elapsed := time.Since(start)
	r.emitSweepMetrics(requeued, requeueErr, pruned, pruneErr, elapsed)

	errs := []error{}
	if requeueErr != nil {
		errs = append(errs, fmt.Errorf("requeue expired leases: %w", requeueErr))
	}
	if pruneErr != nil {
		errs = append(errs, fmt.Errorf("prune finished tasks: %w", pruneErr))
	}
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("sweep failed: %w", joined)
	}
	return nil
}

// requeueExpiredLeases flags the owning jobs as stalled, then returns the
// lapsed tasks to the pending queue for another worker to pick up.
func (r *Reaper) requeueExpiredLeases(ctx context.Context) (int64, error) {
	kind := model.JobKindEmployeeProvisioning
	now := time.Now().UTC()

	expired, err := r.tasks.ListExpiredLeases(ctx, kind, now, r.config.StalledListLimit)
	if err != nil {
		return 0, err
	}
	for _, task := range expired {
		r.ledger.MarkStalled(ctx, task.JobID, task.Kind, "task lease expired")
	}

	count, err := r.tasks.RequeueExpired(ctx, kind)
	if err != nil {
		return count, err
	}

	if count > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "requeued expired task leases",
			"count", count,
			"kind", kind,
		)
	}
	return count, nil
}

// pruneFinishedTasks deletes completed and failed tasks older than the
// configured max age. The ledger rows stay; only queue deliveries go.
func (r *Reaper) pruneFinishedTasks(ctx context.Context) (int64, error) {
	if r.config.FinishedMaxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-r.config.FinishedMaxAge)
	count, err := r.tasks.PruneFinished(ctx, cutoff)
	if err != nil {
		return count, err
	}

	if count > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "pruned finished tasks",
			"count", count,
			"max_age", r.config.FinishedMaxAge,
		)
	}
	return count, nil
}

func (r *Reaper) emitSweepMetrics(requeued int64, requeueErr error, pruned int64, pruneErr error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if requeueErr != nil || pruneErr != nil {
		result = metrics.ResultError
	} else if requeued+pruned == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	r.metrics.Count("reaper.sweep", 1, tags)
	if elapsed > 0 {
		r.metrics.Timing("reaper.sweep_duration", elapsed, metrics.CloneTags(tags))
	}

	r.emitOperationMetric("requeue_expired", requeued, requeueErr)
	r.emitOperationMetric("prune_finished", pruned, pruneErr)

	if requeueErr == nil && pruneErr == nil {
		r.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (r *Reaper) emitOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	r.metrics.Count("reaper.sweep_operation", 1, tags)
	if err == nil && count > 0 {
		r.metrics.Count("reaper.tasks_processed", count, metrics.CloneTags(tags))
	}
}

func (r *Reaper) logSweepError(err error, label string) {
	if err == nil || r.logger == nil {
		return
	}

	if isContextCancellation(err) {
		r.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	r.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
