// Package workflowtest provides end-to-end testing utilities for the provisioning pipeline.
package workflowtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/data"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/service"
	"github.com/workstead/provisioner/internal/testutil"
)

// EventRecorder captures lifecycle events for later assertions. It implements
// core.EventPublisher and is safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

// Publish records the event.
func (r *EventRecorder) Publish(_ context.Context, event model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of all recorded events in publish order.
func (r *EventRecorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in publish order.
func (r *EventRecorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]model.EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Last returns the most recent event of the given kind.
func (r *EventRecorder) Last(kind model.EventKind) (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return model.Event{}, false
}

// Reset discards all recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var _ core.EventPublisher = (*EventRecorder)(nil)

// WorkflowTestHarness wires repositories and services against a real test
// database so tests can drive a batch from submission through completion.
//
//nolint:revive // WorkflowTestHarness is intentionally verbose for clarity in test code.
type WorkflowTestHarness struct {
	t  testutil.TestingTB
	db *sql.DB

	// Repositories
	LedgerRepo    *data.LedgerRepo
	TaskRepo      *data.TaskRepo
	EmployeeRepo  *data.EmployeeRepo
	DirectoryRepo *data.DirectoryRepo

	// Services
	TaskSvc   *service.TaskService
	LedgerSvc *service.LedgerService
	Intake    *service.IntakeService
	Processor *service.Processor
	Resolver  *service.Resolver

	// Events captured from every lifecycle transition
	Events *EventRecorder

	// Optional Redis components
	RedisClient *redis.Client
	CacheRepo   core.CacheRepository
}

// WorkflowTestOptions configures the workflow test harness.
//
//nolint:revive // WorkflowTestOptions is intentionally verbose for clarity in test code.
type WorkflowTestOptions struct {
	// EnableRedis enables the Redis cache and the reference resolver
	EnableRedis bool
	// RedisAddr overrides the default Redis test address
	RedisAddr string
	// TaskLease sets the default task lease duration
	TaskLease time.Duration
	// ReferenceTTL sets the resolver cache TTL
	ReferenceTTL time.Duration
	// RecordRetries sets the processor's inline retry budget; negative disables
	RecordRetries int
}

// NewWorkflowTestHarness creates a new workflow test harness with all components wired up.
func NewWorkflowTestHarness(t testutil.TestingTB, db *sql.DB, opts WorkflowTestOptions) *WorkflowTestHarness {
	t.Helper()

	// Set defaults
	if opts.TaskLease == 0 {
		opts.TaskLease = 30 * time.Second
	}
	if opts.ReferenceTTL == 0 {
		opts.ReferenceTTL = 15 * time.Minute
	}

	h := &WorkflowTestHarness{
		t:      t,
		db:     db,
		Events: &EventRecorder{},
	}

	// Wire repositories
	h.LedgerRepo = data.NewLedgerRepo(db, data.LedgerRepoConfig{})
	h.TaskRepo = data.NewTaskRepo(db, data.TaskRepoConfig{})
	h.EmployeeRepo = data.NewEmployeeRepo(db, nil)
	h.DirectoryRepo = data.NewDirectoryRepo(db)

	// Wire services
	h.TaskSvc = service.MustNewTaskService(service.TaskServiceOptions{
		Repo:         h.TaskRepo,
		DefaultLease: opts.TaskLease,
	})

	ledgerSvc, err := service.NewLedgerService(service.LedgerServiceOptions{
		Repo:   h.LedgerRepo,
		Events: h.Events,
	})
	if err != nil {
		t.Fatalf("create ledger service: %v", err)
	}
	h.LedgerSvc = ledgerSvc

	intake, err := service.NewIntakeService(service.IntakeServiceOptions{
		Ledger: h.LedgerRepo,
		Tasks:  h.TaskSvc,
		Events: h.Events,
	})
	if err != nil {
		t.Fatalf("create intake service: %v", err)
	}
	h.Intake = intake

	processor, err := service.NewProcessor(service.ProcessorOptions{
		Employees: h.EmployeeRepo,
		Retries:   opts.RecordRetries,
	})
	if err != nil {
		t.Fatalf("create processor: %v", err)
	}
	h.Processor = processor

	// Setup Redis components if enabled
	if opts.EnableRedis {
		h.setupRedis(opts)
	}

	return h
}

// setupRedis initializes the Redis cache and the reference resolver.
func (h *WorkflowTestHarness) setupRedis(opts WorkflowTestOptions) {
	h.t.Helper()

	if opts.RedisAddr == "" {
		client := testutil.SetupTestRedis(h.t)
		h.initRedisClient(client, opts)
		return
	}

	// Use specific address for custom setups
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		h.t.Logf("redis not available at %s: %v", opts.RedisAddr, err)
		if closeErr := client.Close(); closeErr != nil {
			h.t.Logf("warning: failed to close redis client: %v", closeErr)
		}
		h.t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
		return
	}

	h.initRedisClient(client, opts)
}

func (h *WorkflowTestHarness) initRedisClient(client *redis.Client, opts WorkflowTestOptions) {
	h.RedisClient = client
	h.CacheRepo = data.NewRedisCacheRepo(client)

	resolver, err := service.NewResolver(service.ResolverOptions{
		Cache:     h.CacheRepo,
		Directory: h.DirectoryRepo,
		TTL:       opts.ReferenceTTL,
	})
	if err != nil {
		h.t.Fatalf("create resolver: %v", err)
	}
	h.Resolver = resolver
}

// DirectorySeed holds the reference IDs inserted by SeedDirectory.
type DirectorySeed struct {
	DepartmentID string
	OfficeID     string
	TitleID      string
}

// SeedDirectory inserts one department, office, and title and returns their IDs.
func (h *WorkflowTestHarness) SeedDirectory(ctx context.Context) DirectorySeed {
	h.t.Helper()

	suffix := time.Now().UnixNano()
	seed := DirectorySeed{}
	rows := []struct {
		table string
		name  string
		dest  *string
	}{
		{"departments", fmt.Sprintf("Engineering %d", suffix), &seed.DepartmentID},
		{"offices", fmt.Sprintf("Amsterdam %d", suffix), &seed.OfficeID},
		{"titles", fmt.Sprintf("Software Engineer %d", suffix), &seed.TitleID},
	}
	for _, row := range rows {
		query := fmt.Sprintf("INSERT INTO %s (name) VALUES ($1) RETURNING id", row.table)
		if err := h.db.QueryRowContext(ctx, query, row.name).Scan(row.dest); err != nil {
			h.t.Fatalf("seed %s: %v", row.table, err)
		}
	}
	return seed
}

// SubmitBatch submits records through the intake service and returns the
// created ledger entry.
func (h *WorkflowTestHarness) SubmitBatch(ctx context.Context, submitterID string, records []model.BatchRecord) *model.Job {
	h.t.Helper()

	resp, err := h.Intake.Submit(ctx, service.SubmitBatchRequest{
		SubmitterID: submitterID,
		Records:     records,
	})
	if err != nil {
		h.t.Fatalf("submit batch: %v", err)
	}

	job, err := h.LedgerRepo.GetByID(ctx, resp.JobID)
	if err != nil {
		h.t.Fatalf("get submitted job: %v", err)
	}
	return job
}

// ReserveTask reserves the next pending provisioning task.
func (h *WorkflowTestHarness) ReserveTask(ctx context.Context) *model.Task {
	h.t.Helper()

	task, err := h.TaskSvc.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 0)
	if err != nil {
		h.t.Fatalf("reserve task: %v", err)
	}
	return task
}

// GetJob reloads a ledger entry by ID.
func (h *WorkflowTestHarness) GetJob(ctx context.Context, jobID string) *model.Job {
	h.t.Helper()

	job, err := h.LedgerRepo.GetByID(ctx, jobID)
	if err != nil {
		h.t.Fatalf("get job %s: %v", jobID, err)
	}
	return job
}

// Close cleans up all resources.
func (h *WorkflowTestHarness) Close() {
	h.t.Helper()

	h.TaskSvc.StopListeners()
	if h.RedisClient != nil {
		if err := h.RedisClient.Close(); err != nil {
			h.t.Logf("warning: failed to close redis client: %v", err)
		}
	}
}

// skipIfRedisUnavailable skips the test if Redis is required but unavailable.
func skipIfRedisUnavailable(t testutil.TestingTB, opts WorkflowTestOptions) {
	t.Helper()

	if !opts.EnableRedis {
		return
	}

	if opts.RedisAddr == "" {
		// Use centralized Redis address detection
		if _, ok := testutil.GetTestRedisAddr(t); !ok {
			t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
		}
		return
	}

	// Test specific address by trying to connect
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("warning: failed to close redis client: %v", err)
		}
	}()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
	}
}

// WithWorkflowHarness is a helper that sets up and tears down a workflow test harness.
func WithWorkflowHarness(t testutil.TestingTB, opts WorkflowTestOptions, fn func(*WorkflowTestHarness)) {
	t.Helper()

	testutil.SkipIfNoTestDB(t)
	skipIfRedisUnavailable(t, opts)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		harness := NewWorkflowTestHarness(t, db, opts)
		defer harness.Close()
		fn(harness)
	})
}

// DefaultWorkflowOptions returns default options for workflow testing.
func DefaultWorkflowOptions() WorkflowTestOptions {
	return WorkflowTestOptions{
		EnableRedis: false,
		TaskLease:   30 * time.Second,
	}
}

// RedisWorkflowOptions returns options for workflow testing with Redis enabled.
func RedisWorkflowOptions() WorkflowTestOptions {
	return WorkflowTestOptions{
		EnableRedis: true,
		TaskLease:   30 * time.Second,
	}
}
