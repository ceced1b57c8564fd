package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/testutil"
)

// newLedgerEntry creates a job row for tasks to reference.
func newLedgerEntry(t *testing.T, db *sql.DB, totalRecords int) *model.Job {
	t.Helper()
	repo := NewLedgerRepo(db, LedgerRepoConfig{})
	job, err := repo.Create(context.Background(), &model.CreateJobRequest{
		SubmitterID:  "hr-admin-1",
		Kind:         model.JobKindEmployeeProvisioning,
		TotalRecords: totalRecords,
	})
	require.NoError(t, err)
	return job
}

func TestTaskRepo_Enqueue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("valid enqueue", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			job := newLedgerEntry(t, db, 2)
			repo := NewTaskRepo(db, TaskRepoConfig{})

			records := []model.BatchRecord{
				testutil.NewBatchRecord().WithEmail("a@example.com").Build(),
				testutil.NewBatchRecord().WithEmail("b@example.com").Build(),
			}
			task, err := repo.Enqueue(context.Background(), &model.EnqueueTaskRequest{
				JobID:   job.ID,
				Kind:    model.JobKindEmployeeProvisioning,
				Records: records,
			})
			require.NoError(t, err)
			require.NotNil(t, task)

			assert.NotEmpty(t, task.ID)
			assert.Equal(t, job.ID, task.JobID)
			assert.Equal(t, model.TaskStatusPending, task.Status)
			assert.Equal(t, 3, task.MaxRetries) // default
			assert.Equal(t, 0, task.RetryCount)
			assert.Nil(t, task.StartedAt)
			assert.Nil(t, task.LeaseExpiresAt)

			var payload model.TaskPayload
			require.NoError(t, json.Unmarshal(task.Payload, &payload))
			assert.Equal(t, job.ID, payload.JobID)
			require.Len(t, payload.Records, 2)
			assert.Equal(t, "a@example.com", payload.Records[0].Email)
		})
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name   string
			req    *model.EnqueueTaskRequest
			errMsg string
		}{
			{
				name: "missing job id",
				req: &model.EnqueueTaskRequest{
					Kind:    model.JobKindEmployeeProvisioning,
					Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
				},
				errMsg: "job id is required",
			},
			{
				name: "invalid kind",
				req: &model.EnqueueTaskRequest{
					JobID:   "00000000-0000-0000-0000-000000000000",
					Kind:    "invalid",
					Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
				},
				errMsg: "invalid task kind",
			},
			{
				name: "no records",
				req: &model.EnqueueTaskRequest{
					JobID: "00000000-0000-0000-0000-000000000000",
					Kind:  model.JobKindEmployeeProvisioning,
				},
				errMsg: "records are required",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				testutil.WithAutoDB(t, func(db *sql.DB) {
					repo := NewTaskRepo(db, TaskRepoConfig{})

					task, err := repo.Enqueue(context.Background(), tt.req)
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, task)
				})
			})
		}
	})
}

func TestTaskRepo_ReserveNext(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("reserves the oldest pending task", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{})
			ctx := context.Background()

			first := newLedgerEntry(t, db, 1)
			second := newLedgerEntry(t, db, 1)
			for _, job := range []*model.Job{first, second} {
				_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
					JobID:   job.ID,
					Kind:    model.JobKindEmployeeProvisioning,
					Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
				})
				require.NoError(t, err)
				time.Sleep(10 * time.Millisecond)
			}

			task, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
			require.NoError(t, err)
			require.NotNil(t, task)

			assert.Equal(t, first.ID, task.JobID)
			assert.Equal(t, model.TaskStatusRunning, task.Status)
			require.NotNil(t, task.StartedAt)
			require.NotNil(t, task.LeaseExpiresAt)

			actualLease := task.LeaseExpiresAt.Sub(*task.StartedAt)
			assert.InDelta(t, 30.0, actualLease.Seconds(), 1.0)
		})
	})

	t.Run("empty queue", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{})

			task, err := repo.ReserveNext(context.Background(), model.JobKindEmployeeProvisioning, 30)
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrNoTasksAvailable)
			assert.Nil(t, task)
		})
	})

	t.Run("invalid kind", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{})

			_, err := repo.ReserveNext(context.Background(), "invalid", 30)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid task kind")
		})
	})
}

func TestTaskRepo_Heartbeat(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, TaskRepoConfig{})
		ctx := context.Background()

		job := newLedgerEntry(t, db, 1)
		pending, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
			JobID:   job.ID,
			Kind:    model.JobKindEmployeeProvisioning,
			Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
		})
		require.NoError(t, err)

		// A pending task holds no lease to refresh.
		ok, err := repo.Heartbeat(ctx, pending.ID, 60)
		require.NoError(t, err)
		assert.False(t, ok)

		reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
		require.NoError(t, err)

		ok, err = repo.Heartbeat(ctx, reserved.ID, 60)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Heartbeat(ctx, "00000000-0000-0000-0000-000000000000", 60)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = repo.Heartbeat(ctx, reserved.ID, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "leaseSeconds must be positive")
	})
}

func TestTaskRepo_Complete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, TaskRepoConfig{})
		ctx := context.Background()

		job := newLedgerEntry(t, db, 1)
		_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
			JobID:   job.ID,
			Kind:    model.JobKindEmployeeProvisioning,
			Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
		require.NoError(t, err)

		ok, err := repo.Complete(ctx, reserved.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		completed, err := repo.GetByID(ctx, reserved.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, completed.Status)
		require.NotNil(t, completed.CompletedAt)
		assert.Nil(t, completed.LeaseExpiresAt)

		// Completing twice is a no-op.
		ok, err = repo.Complete(ctx, reserved.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.Complete(ctx, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTaskRepo_Fail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("retries remaining goes back to pending", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{RetryDelaySeconds: 10})
			ctx := context.Background()

			job := newLedgerEntry(t, db, 1)
			_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
				JobID:      job.ID,
				Kind:       model.JobKindEmployeeProvisioning,
				Records:    []model.BatchRecord{testutil.NewBatchRecord().Build()},
				MaxRetries: 3,
			})
			require.NoError(t, err)

			reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
			require.NoError(t, err)

			status, err := repo.Fail(ctx, reserved.ID, "directory lookup timed out")
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusPending, status)

			failed, err := repo.GetByID(ctx, reserved.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, failed.RetryCount)
			require.NotNil(t, failed.LastError)
			assert.Equal(t, "directory lookup timed out", *failed.LastError)
			assert.Nil(t, failed.LeaseExpiresAt)
			// Retry is pushed out by the delay.
			assert.True(t, failed.ScheduledAt.After(reserved.ScheduledAt))
		})
	})

	t.Run("exhausted retries land in failed", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{})
			ctx := context.Background()

			job := newLedgerEntry(t, db, 1)
			_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
				JobID:      job.ID,
				Kind:       model.JobKindEmployeeProvisioning,
				Records:    []model.BatchRecord{testutil.NewBatchRecord().Build()},
				MaxRetries: 1,
			})
			require.NoError(t, err)

			reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
			require.NoError(t, err)

			status, err := repo.Fail(ctx, reserved.ID, "persistent failure")
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusFailed, status)

			failed, err := repo.GetByID(ctx, reserved.ID)
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusFailed, failed.Status)
			require.NotNil(t, failed.CompletedAt)
		})
	})

	t.Run("task not running", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewTaskRepo(db, TaskRepoConfig{})

			_, err := repo.Fail(context.Background(), "00000000-0000-0000-0000-000000000000", "error")
			require.Error(t, err)
			require.ErrorIs(t, err, ErrTaskNotFound)
		})
	})
}

func TestTaskRepo_Stats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, TaskRepoConfig{})
		ctx := context.Background()

		// pending, running, completed, failed: one of each.
		for i, action := range []string{"none", "reserve", "complete", "fail"} {
			maxRetries := 3
			if action == "fail" {
				maxRetries = 1
			}
			job := newLedgerEntry(t, db, 1)
			_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
				JobID:      job.ID,
				Kind:       model.JobKindEmployeeProvisioning,
				Records:    []model.BatchRecord{testutil.NewBatchRecord().Build()},
				MaxRetries: maxRetries,
			})
			require.NoError(t, err)

			if action == "none" {
				continue
			}
			// Tasks are reserved oldest first, but all four are enqueued in
			// order, so reserve immediately after each enqueue.
			reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
			require.NoError(t, err, "action %d", i)

			switch action {
			case "complete":
				_, err = repo.Complete(ctx, reserved.ID)
				require.NoError(t, err)
			case "fail":
				_, err = repo.Fail(ctx, reserved.ID, "boom")
				require.NoError(t, err)
			}
		}

		stats, err := repo.Stats(ctx, model.JobKindEmployeeProvisioning)
		require.NoError(t, err)
		require.NotNil(t, stats)

		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Running)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 1, stats.Failed)
	})
}

func TestTaskRepo_RequeueExpired(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fixedTime := testutil.TestTime()
		timeProvider := NewFixedTimeProvider(fixedTime)
		repo := NewTaskRepo(db, TaskRepoConfig{TimeProvider: timeProvider})
		ctx := context.Background()

		job := newLedgerEntry(t, db, 1)
		_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
			JobID:   job.ID,
			Kind:    model.JobKindEmployeeProvisioning,
			Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 1)
		require.NoError(t, err)

		// Lease still live.
		count, err := repo.RequeueExpired(ctx, model.JobKindEmployeeProvisioning)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)

		timeProvider.Advance(2 * time.Second)

		count, err = repo.RequeueExpired(ctx, model.JobKindEmployeeProvisioning)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		requeued, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
		require.NoError(t, err)
		assert.Equal(t, reserved.ID, requeued.ID)
		assert.Equal(t, model.TaskStatusRunning, requeued.Status)
	})
}

func TestTaskRepo_ListExpiredLeases(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fixedTime := testutil.TestTime()
		timeProvider := NewFixedTimeProvider(fixedTime)
		repo := NewTaskRepo(db, TaskRepoConfig{TimeProvider: timeProvider})
		ctx := context.Background()

		job := newLedgerEntry(t, db, 1)
		_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
			JobID:   job.ID,
			Kind:    model.JobKindEmployeeProvisioning,
			Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 1)
		require.NoError(t, err)

		// Cutoff before expiry finds nothing.
		tasks, err := repo.ListExpiredLeases(ctx, model.JobKindEmployeeProvisioning, fixedTime, 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		tasks, err = repo.ListExpiredLeases(
			ctx, model.JobKindEmployeeProvisioning, fixedTime.Add(5*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, reserved.ID, tasks[0].ID)
		assert.Equal(t, job.ID, tasks[0].JobID)
	})
}

func TestTaskRepo_PruneFinished(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTaskRepo(db, TaskRepoConfig{})
		ctx := context.Background()

		job := newLedgerEntry(t, db, 1)
		_, err := repo.Enqueue(ctx, &model.EnqueueTaskRequest{
			JobID:   job.ID,
			Kind:    model.JobKindEmployeeProvisioning,
			Records: []model.BatchRecord{testutil.NewBatchRecord().Build()},
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobKindEmployeeProvisioning, 30)
		require.NoError(t, err)
		_, err = repo.Complete(ctx, reserved.ID)
		require.NoError(t, err)

		// Cutoff in the past keeps the freshly completed task.
		pruned, err := repo.PruneFinished(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), pruned)

		pruned, err = repo.PruneFinished(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		_, err = repo.GetByID(ctx, reserved.ID)
		require.ErrorIs(t, err, ErrTaskNotFound)
	})
}
