// Package service implements the business logic of the provisioning
// pipeline on top of the core ports.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/observability/metrics"
	"github.com/workstead/provisioner/internal/observability/notify"
	"github.com/workstead/provisioner/internal/observability/statsd"
)

// EventObserver consumes lifecycle events. Observers are best-effort:
// a failing observer is logged and never blocks the pipeline.
type EventObserver interface {
	HandleEvent(ctx context.Context, event model.Event) error
}

// EventObserverFunc adapts a function to the EventObserver interface.
type EventObserverFunc func(ctx context.Context, event model.Event) error

// HandleEvent implements the EventObserver interface.
func (f EventObserverFunc) HandleEvent(ctx context.Context, event model.Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// Dispatcher fans lifecycle events out to registered observers. The ledger
// stays authoritative; events are a convenience channel for consumers that
// want push-style updates.
type Dispatcher struct {
	observers []EventObserver
	logger    *slog.Logger
}

var _ core.EventPublisher = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher with the given observers.
func NewDispatcher(logger *slog.Logger, observers ...EventObserver) *Dispatcher {
	if logger != nil {
		logger = logger.With("component", "event_dispatcher")
	}
	return &Dispatcher{observers: observers, logger: logger}
}

// Register adds an observer after construction.
func (d *Dispatcher) Register(obs EventObserver) {
	if obs == nil {
		return
	}
	d.observers = append(d.observers, obs)
}

// Publish delivers the event to every observer in registration order.
func (d *Dispatcher) Publish(ctx context.Context, event model.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if d.logger != nil {
		d.logger.DebugContext(ctx, "lifecycle event",
			"kind", event.Kind,
			"job_id", event.JobID,
			"percent", event.Percent,
		)
	}

	for _, obs := range d.observers {
		if err := obs.HandleEvent(ctx, event); err != nil && d.logger != nil {
			d.logger.WarnContext(ctx, "event observer failed",
				"kind", event.Kind,
				"job_id", event.JobID,
				"error", err,
			)
		}
	}
}

// NewMetricsObserver emits one lifecycle metric per event via the StatsD sink.
func NewMetricsObserver(sink statsd.Sink) EventObserver {
	return EventObserverFunc(func(_ context.Context, event model.Event) error {
		metrics.EmitJobLifecycle(sink, metrics.JobMetric{
			JobKind:    string(event.JobKind),
			Transition: string(event.Kind),
		})
		return nil
	})
}

// NewFailureSinkObserver forwards failed and stalled events to a notify sink
// such as the Slack webhook.
func NewFailureSinkObserver(sink notify.Sink) EventObserver {
	return EventObserverFunc(func(ctx context.Context, event model.Event) error {
		if sink == nil {
			return nil
		}
		if event.Kind != model.EventFailed && event.Kind != model.EventStalled {
			return nil
		}

		severity := notify.SeverityCritical
		if event.Kind == model.EventStalled {
			severity = notify.SeverityWarning
		}
		return sink.SendJobFailure(ctx, notify.JobFailurePayload{
			JobID:      event.JobID,
			JobKind:    string(event.JobKind),
			Error:      event.Reason,
			Severity:   severity,
			OccurredAt: event.OccurredAt,
		})
	})
}
