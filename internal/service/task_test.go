package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/domain/model"
	domaintask "github.com/workstead/provisioner/internal/domain/task"
	"github.com/workstead/provisioner/internal/mocks"
	"github.com/workstead/provisioner/internal/testutil"
	"go.uber.org/mock/gomock"
)

type stubTaskNotifier struct {
	subscribeCalls []model.JobKind
	stopCalled     bool
}

func (s *stubTaskNotifier) Subscribe(kind model.JobKind) (func(), <-chan struct{}) {
	s.subscribeCalls = append(s.subscribeCalls, kind)
	ch := make(chan struct{})
	return func() { close(ch) }, ch
}

func (s *stubTaskNotifier) StopAll() {
	s.stopCalled = true
}

var _ domaintask.Notifier = (*stubTaskNotifier)(nil)

func newTestTaskService(t *testing.T, repo *mocks.MockTaskRepository) (*TaskService, *stubTaskNotifier) {
	t.Helper()
	notifier := &stubTaskNotifier{}
	svc := MustNewTaskService(TaskServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
	})
	return svc, notifier
}

func TestNewTaskService(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)

	t.Run("success", func(t *testing.T) {
		notifier := &stubTaskNotifier{}
		svc, err := NewTaskService(TaskServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     notifier,
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
		assert.Equal(t, 30*time.Second, svc.leasePolicy.Default())
		assert.Equal(t, notifier, svc.notifier)
	})

	t.Run("success with logger", func(t *testing.T) {
		svc, err := NewTaskService(TaskServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Logger:       slog.Default(),
			Notifier:     &stubTaskNotifier{},
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
	})

	t.Run("missing repo", func(t *testing.T) {
		_, err := NewTaskService(TaskServiceOptions{DefaultLease: 30 * time.Second})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TaskRepository is required")
	})

	t.Run("missing default lease", func(t *testing.T) {
		_, err := NewTaskService(TaskServiceOptions{Repo: repo})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DefaultLease must be positive")
	})

	t.Run("explicit lease policy wins", func(t *testing.T) {
		policy, err := domaintask.NewLeasePolicy(90 * time.Second)
		require.NoError(t, err)

		svc, err := NewTaskService(TaskServiceOptions{
			Repo:        repo,
			LeasePolicy: policy,
			Notifier:    &stubTaskNotifier{},
		})
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, svc.DefaultLease())
	})
}

func TestTaskService_Enqueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo)
	ctx := context.Background()

	req := testutil.NewTaskRequest("job-1").Build()
	want := &model.Task{ID: "task-1", JobID: "job-1", Status: model.TaskStatusPending}

	repo.EXPECT().Enqueue(ctx, req).Return(want, nil)

	task, err := svc.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, want, task)

	repo.EXPECT().Enqueue(ctx, req).Return(nil, errors.New("insert failed"))

	_, err = svc.Enqueue(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue task")
}

func TestTaskService_ReserveNext(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo)
	ctx := context.Background()

	t.Run("explicit lease", func(t *testing.T) {
		want := &model.Task{ID: "task-1", Status: model.TaskStatusRunning}
		repo.EXPECT().
			ReserveNext(ctx, model.JobKindEmployeeProvisioning, 60).
			Return(want, nil)

		task, err := svc.ReserveNext(ctx, model.JobKindEmployeeProvisioning, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, task)
	})

	t.Run("zero lease falls back to default", func(t *testing.T) {
		repo.EXPECT().
			ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30).
			Return(&model.Task{ID: "task-2"}, nil)

		_, err := svc.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 0)
		require.NoError(t, err)
	})

	t.Run("sub-second lease clamps to one second", func(t *testing.T) {
		repo.EXPECT().
			ReserveNext(ctx, model.JobKindEmployeeProvisioning, 1).
			Return(&model.Task{ID: "task-3"}, nil)

		_, err := svc.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 200*time.Millisecond)
		require.NoError(t, err)
	})

	t.Run("no tasks available", func(t *testing.T) {
		repo.EXPECT().
			ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30).
			Return(nil, model.ErrNoTasksAvailable)

		_, err := svc.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 0)
		require.Error(t, err)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable)
	})
}

func TestTaskService_Heartbeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo)
	ctx := context.Background()

	repo.EXPECT().Heartbeat(ctx, "task-1", 45).Return(true, nil)

	updated, err := svc.Heartbeat(ctx, "task-1", 45*time.Second)
	require.NoError(t, err)
	assert.True(t, updated)

	// Negative extension clamps to the one-second floor.
	repo.EXPECT().Heartbeat(ctx, "task-1", 1).Return(true, nil)

	updated, err = svc.Heartbeat(ctx, "task-1", -time.Second)
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestTaskService_CompleteAndFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo)
	ctx := context.Background()

	repo.EXPECT().Complete(ctx, "task-1").Return(true, nil)

	completed, err := svc.Complete(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, completed)

	repo.EXPECT().Fail(ctx, "task-1", "boom").Return(model.TaskStatusPending, nil)

	status, err := svc.Fail(ctx, "task-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, status)

	_, err = svc.Fail(ctx, "task-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error message required")
}

func TestTaskService_Subscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockTaskRepository(ctrl)
	svc, notifier := newTestTaskService(t, repo)

	unsub, ch := svc.Subscribe(model.JobKindEmployeeProvisioning)
	require.NotNil(t, unsub)
	require.NotNil(t, ch)
	assert.Equal(t, []model.JobKind{model.JobKindEmployeeProvisioning}, notifier.subscribeCalls)

	svc.StopListeners()
	assert.True(t, notifier.stopCalled)
}
