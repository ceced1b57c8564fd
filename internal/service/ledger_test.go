package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/mocks"
	"go.uber.org/mock/gomock"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]model.EventKind, len(p.events))
	for i, e := range p.events {
		kinds[i] = e.Kind
	}
	return kinds
}

var _ core.EventPublisher = (*recordingPublisher)(nil)

func newTestLedgerService(t *testing.T, repo core.LedgerRepository) (*LedgerService, *recordingPublisher) {
	t.Helper()
	events := &recordingPublisher{}
	svc, err := NewLedgerService(LedgerServiceOptions{Repo: repo, Events: events})
	require.NoError(t, err)
	return svc, events
}

func testJob() *model.Job {
	return &model.Job{
		ID:           "job-1",
		SubmitterID:  "hr-admin-1",
		Kind:         model.JobKindEmployeeProvisioning,
		Status:       model.JobStatusQueued,
		TotalRecords: 4,
	}
}

func TestNewLedgerService(t *testing.T) {
	_, err := NewLedgerService(LedgerServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LedgerRepository is required")
}

func TestLedgerService_Status(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, _ := newTestLedgerService(t, repo)
	ctx := context.Background()

	job := testJob()
	job.Status = model.JobStatusActive
	job.SuccessCount = 2
	job.FailureCount = 1
	job.Progress = 75
	job.AttemptsMade = 1
	job.Errors = []model.RecordError{{RecordKey: "a@example.com", Message: "unknown department"}}

	repo.EXPECT().Get(ctx, "job-1", "hr-admin-1").Return(job, nil)

	view, err := svc.Status(ctx, "job-1", "hr-admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusActive, view.Status)
	assert.InDelta(t, 75.0, view.Progress, 0.001)
	assert.Equal(t, 1, view.AttemptsMade)
	require.Len(t, view.Errors, 1)
	assert.Nil(t, view.Result)
}

func TestLedgerService_List(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, _ := newTestLedgerService(t, repo)
	ctx := context.Background()

	// Zero limit defaults, oversized limit clamps, negative offset resets.
	repo.EXPECT().
		List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1", Limit: 50}).
		Return(nil, nil)
	_, err := svc.List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1"})
	require.NoError(t, err)

	repo.EXPECT().
		List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1", Limit: 200}).
		Return(nil, nil)
	_, err = svc.List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1", Limit: 1000})
	require.NoError(t, err)

	repo.EXPECT().
		List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1", Limit: 10, Offset: 0}).
		Return(nil, nil)
	_, err = svc.List(ctx, model.JobListOptions{SubmitterID: "hr-admin-1", Limit: 10, Offset: -5})
	require.NoError(t, err)
}

func TestLedgerService_Activate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, events := newTestLedgerService(t, repo)
	ctx := context.Background()
	job := testJob()

	t.Run("first activation emits active", func(t *testing.T) {
		repo.EXPECT().MarkActive(ctx, job.ID).Return(true, nil)

		require.NoError(t, svc.Activate(ctx, job))
		require.Len(t, events.events, 1)
		assert.Equal(t, model.EventActive, events.events[0].Kind)
		assert.Equal(t, job.ID, events.events[0].JobID)
	})

	t.Run("re-activation is silent", func(t *testing.T) {
		repo.EXPECT().MarkActive(ctx, job.ID).Return(false, nil)

		require.NoError(t, svc.Activate(ctx, job))
		assert.Len(t, events.events, 1)
	})

	t.Run("repo failure propagates", func(t *testing.T) {
		repo.EXPECT().MarkActive(ctx, job.ID).Return(false, errors.New("db down"))

		err := svc.Activate(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "activate job")
	})
}

func TestLedgerService_ApplyOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, events := newTestLedgerService(t, repo)
	ctx := context.Background()
	job := testJob()

	outcome := model.SuccessOutcome("a@example.com")

	t.Run("applied outcome emits progress", func(t *testing.T) {
		repo.EXPECT().
			RecordOutcome(ctx, job.ID, outcome).
			Return(model.OutcomeApplication{Applied: true, Progress: 25, SuccessCount: 1}, nil)

		app, err := svc.ApplyOutcome(ctx, job, outcome)
		require.NoError(t, err)
		assert.True(t, app.Applied)

		require.Len(t, events.events, 1)
		assert.Equal(t, model.EventProgress, events.events[0].Kind)
		assert.InDelta(t, 25.0, events.events[0].Percent, 0.001)
	})

	t.Run("skipped outcome stays silent", func(t *testing.T) {
		repo.EXPECT().
			RecordOutcome(ctx, job.ID, outcome).
			Return(model.OutcomeApplication{}, nil)

		app, err := svc.ApplyOutcome(ctx, job, outcome)
		require.NoError(t, err)
		assert.False(t, app.Applied)
		assert.Len(t, events.events, 1)
	})
}

func TestLedgerService_CompleteAndFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, events := newTestLedgerService(t, repo)
	ctx := context.Background()
	job := testJob()

	result := model.JobResult{SuccessCount: 3, FailureCount: 1}

	t.Run("completion emits completed with result", func(t *testing.T) {
		repo.EXPECT().
			Finalize(ctx, job.ID, model.JobStatusCompleted, result).
			Return(true, nil)

		require.NoError(t, svc.Complete(ctx, job, result))
		require.Len(t, events.events, 1)
		assert.Equal(t, model.EventCompleted, events.events[0].Kind)
		require.NotNil(t, events.events[0].Result)
		assert.Equal(t, 3, events.events[0].Result.SuccessCount)
	})

	t.Run("duplicate completion is absorbed", func(t *testing.T) {
		repo.EXPECT().
			Finalize(ctx, job.ID, model.JobStatusCompleted, result).
			Return(false, nil)

		require.NoError(t, svc.Complete(ctx, job, result))
		assert.Len(t, events.events, 1)
	})

	t.Run("failure emits failed with reason", func(t *testing.T) {
		// Unattempted records count as failures so the result covers every
		// record of the batch.
		repo.EXPECT().
			Finalize(ctx, job.ID, model.JobStatusFailed, model.JobResult{FailureCount: 4}).
			Return(true, nil)

		require.NoError(t, svc.FailJob(ctx, job, "task retries exhausted", model.JobResult{}))
		assert.Equal(t,
			[]model.EventKind{model.EventCompleted, model.EventFailed},
			events.kinds(),
		)
		assert.Equal(t, "task retries exhausted", events.events[1].Reason)
	})

	t.Run("partial counters fill up to the total", func(t *testing.T) {
		repo.EXPECT().
			Finalize(ctx, job.ID, model.JobStatusFailed, model.JobResult{SuccessCount: 1, FailureCount: 3}).
			Return(true, nil)

		require.NoError(t, svc.FailJob(ctx, job, "task lease lost",
			model.JobResult{SuccessCount: 1, FailureCount: 1}))
	})

	t.Run("complete counters pass through unchanged", func(t *testing.T) {
		repo.EXPECT().
			Finalize(ctx, job.ID, model.JobStatusFailed, model.JobResult{SuccessCount: 2, FailureCount: 2}).
			Return(true, nil)

		require.NoError(t, svc.FailJob(ctx, job, "queue failed",
			model.JobResult{SuccessCount: 2, FailureCount: 2}))
	})
}

func TestLedgerService_MarkStalled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockLedgerRepository(ctrl)
	svc, events := newTestLedgerService(t, repo)

	svc.MarkStalled(context.Background(), "job-1", model.JobKindEmployeeProvisioning, "lease expired")

	require.Len(t, events.events, 1)
	assert.Equal(t, model.EventStalled, events.events[0].Kind)
	assert.Equal(t, "lease expired", events.events[0].Reason)
}
