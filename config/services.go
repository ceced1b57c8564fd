package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the batch worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the lease reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// IntakeConfig contains batch submission configuration.
type IntakeConfig struct {
	// MaxBatchRecords caps the number of records accepted in one submission.
	MaxBatchRecords int `env:"INTAKE_MAX_BATCH_RECORDS" envDefault:"10000"`

	// TaskMaxRetries is the redelivery budget for each enqueued batch task.
	TaskMaxRetries int `env:"INTAKE_TASK_MAX_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to intake configuration values.
func (c *IntakeConfig) Sanitize() {
	if c.MaxBatchRecords < 1 {
		c.MaxBatchRecords = 1
	}
	if c.TaskMaxRetries < 0 {
		c.TaskMaxRetries = 0
	}
}

// WorkerConfig contains batch worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker slot goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"20"`

	// RecordParallelism bounds in-flight records within one batch task.
	RecordParallelism int `env:"WORKER_RECORD_PARALLELISM" envDefault:"8"`

	// TaskLease is the duration a worker holds a reserved task before the
	// reaper may requeue it.
	TaskLease time.Duration `env:"WORKER_TASK_LEASE" envDefault:"30s"`

	// RecordTimeout bounds the wall-clock time spent on a single record.
	RecordTimeout time.Duration `env:"WORKER_RECORD_TIMEOUT" envDefault:"30s"`

	// RecordRetries is the number of inline retries for transient record
	// failures. Negative disables retries.
	RecordRetries int `env:"WORKER_RECORD_RETRIES" envDefault:"2"`

	// InvitationTTL is how long an issued invitation token stays valid.
	InvitationTTL time.Duration `env:"WORKER_INVITATION_TTL" envDefault:"72h"`
}

// Sanitize applies guardrails to worker configuration values.
func (c *WorkerConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.RecordParallelism < 1 {
		c.RecordParallelism = 1
	}
	if c.TaskLease < 5*time.Second {
		c.TaskLease = 5 * time.Second
	}
	if c.RecordTimeout < time.Second {
		c.RecordTimeout = time.Second
	}
	if c.InvitationTTL < time.Hour {
		c.InvitationTTL = time.Hour
	}
}

// ReaperConfig contains lease reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// FinishedMaxAge is the maximum age for completed and failed tasks
	// before deletion. Zero disables pruning.
	FinishedMaxAge time.Duration `env:"REAPER_FINISHED_MAX_AGE" envDefault:"168h"` // 7 days

	// StalledListLimit caps the number of lapsed leases inspected per sweep.
	StalledListLimit int `env:"REAPER_STALLED_LIST_LIMIT" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum interval to prevent excessive database load
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.FinishedMaxAge < 0 {
		r.FinishedMaxAge = 0
	}
	if r.StalledListLimit < 1 {
		r.StalledListLimit = 1
	}
	if r.StalledListLimit > 1000 {
		r.StalledListLimit = 1000
	}
}
