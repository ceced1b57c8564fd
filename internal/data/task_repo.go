package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/workstead/provisioner/internal/data/pgxutil"
	"github.com/workstead/provisioner/internal/domain/model"
)

// ErrTaskNotFound is returned when a queue task cannot be located by ID.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepo provides the Postgres-backed work queue the provisioning workers
// drain. Reservation uses FOR UPDATE SKIP LOCKED with a lease column, so a
// crashed worker's task becomes reservable again once its lease lapses.
type TaskRepo struct {
	DB           *sql.DB
	cfg          TaskRepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// TaskRepoConfig holds configuration options for the task repository.
type TaskRepoConfig struct {
	RetryDelaySeconds int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// NewTaskRepo creates a new TaskRepo with the given database connection.
func NewTaskRepo(db *sql.DB, cfg TaskRepoConfig) *TaskRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &TaskRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const defaultRetryDelaySeconds = 30

func (r *TaskRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

const taskColumns = `
  id, job_id, kind, status, payload, scheduled_at, started_at, completed_at,
  retry_count, max_retries, last_error, lease_expires_at, created_at, updated_at
`

// SQL used by ReserveNext to atomically reserve the next task.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM provisioning_tasks
    WHERE kind = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE provisioning_tasks t
  SET
    status = 'running',
    started_at = COALESCE(t.started_at, $3),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE t.id = cte.id
  RETURNING ` + taskColumns

// Enqueue inserts a pending task and notifies listening workers in the same
// transaction, so a worker woken by the notification always sees the row.
func (r *TaskRepo) Enqueue(ctx context.Context, req *model.EnqueueTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("enqueue task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(model.TaskPayload{
		JobID:   req.JobID,
		Kind:    req.Kind,
		Records: req.Records,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var task *model.Task
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			rows, qerr := tx.Query(ctx, `
              INSERT INTO provisioning_tasks(job_id, kind, status, payload, scheduled_at, max_retries)
              VALUES ($1, $2, 'pending', $3, $4, $5)
              RETURNING `+taskColumns,
				req.JobID, req.Kind, payload, now, maxRetries)
			if qerr != nil {
				return fmt.Errorf("insert task: %w", qerr)
			}
			t, collectErr := collectTaskFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect task: %w", collectErr)
			}

			channel := "task_added_" + string(req.Kind)
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, t.ID); execErr != nil {
				return fmt.Errorf("send task notification: %w", execErr)
			}

			task = t
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return task, nil
}

// Advisory lock namespace for requeueExpired to avoid cross-kind contention.
const advisoryLockRequeueMajor int64 = 2101

func advisoryLockRequeueMinor(kind model.JobKind) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// requeueExpired flips lease-expired running tasks back to pending and
// returns how many it requeued. The advisory lock keeps concurrent workers
// from stampeding the same sweep.
func (r *TaskRepo) requeueExpired(ctx context.Context, kind model.JobKind) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(kind)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			res, err := tx.ExecContext(ctx, `
          UPDATE provisioning_tasks
          SET status = 'pending', lease_expires_at = NULL
          WHERE kind = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, kind, currentTime.UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// RequeueExpired exposes the lease-expiry sweep for the reaper.
func (r *TaskRepo) RequeueExpired(ctx context.Context, kind model.JobKind) (int64, error) {
	return r.requeueExpired(ctx, kind)
}

// ReserveNext reserves the next available task of the given kind for processing.
func (r *TaskRepo) ReserveNext(
	ctx context.Context,
	kind model.JobKind,
	leaseSeconds int,
) (*model.Task, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid task kind: %s", kind)
	}

	if _, err := r.requeueExpired(ctx, kind); err != nil {
		return nil, fmt.Errorf("requeue expired tasks: %w", err)
	}

	var task *model.Task
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextUpdateSQL,
				kind,
				currentTime.UTC(),
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve task: %w", qerr)
			}
			defer rows.Close()

			t, cerr := collectTaskFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve task: %w", cerr)
			}
			task = t
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoTasksAvailable) {
			return nil, model.ErrNoTasksAvailable
		}
		return nil, err
	}
	return task, nil
}

// Heartbeat refreshes the lease on a running task.
func (r *TaskRepo) Heartbeat(ctx context.Context, taskID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE provisioning_tasks
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, taskID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a task as completed successfully.
func (r *TaskRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE provisioning_tasks
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a task failure. Tasks with retries left go back to pending
// with a delayed scheduled_at; exhausted tasks land in failed.
func (r *TaskRepo) Fail(ctx context.Context, id, errMsg string) (model.TaskStatus, error) {
	retryDelay := r.retryDelay()
	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(time.Duration(retryDelay) * time.Second)

	query := `
      UPDATE provisioning_tasks
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
                            ELSE $4::timestamptz END,
        updated_at = $5
      WHERE id = $1 AND status = 'running'
      RETURNING status
    `

	var status model.TaskStatus
	if err := r.DB.QueryRowContext(ctx, query, id, errMsg, currentTime.UTC(), retryScheduledAt.UTC(), currentTime.UTC()).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("fail task: %w", err)
	}
	return status, nil
}

// Stats returns counts of tasks of the given kind in each state.
func (r *TaskRepo) Stats(ctx context.Context, kind model.JobKind) (*model.TaskStats, error) {
	var s model.TaskStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM provisioning_tasks
  WHERE kind = $1
  `, kind).Scan(
		&s.Pending,
		&s.Running,
		&s.Completed,
		&s.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("get task stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until Postgres signals that a task of the given
// kind was enqueued, or the context ends.
func (r *TaskRepo) WaitForNotification(ctx context.Context, kind model.JobKind) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "task_added_" + string(kind)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+taskColumns+`
			FROM provisioning_tasks
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		task, qerr = collectTaskFromRows(rows)
		return qerr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListExpiredLeases returns running tasks whose lease lapsed before the
// cutoff, for the reaper to flag as stalled.
func (r *TaskRepo) ListExpiredLeases(ctx context.Context, kind model.JobKind, cutoff time.Time, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM provisioning_tasks
		WHERE kind = $1 AND status = 'running'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $2
		ORDER BY lease_expires_at ASC
		LIMIT $3
	`, kind, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, scanErr := scanTaskFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("list expired leases: %w", rowsErr)
	}
	return tasks, nil
}

// PruneFinished deletes completed and failed tasks older than the cutoff and
// returns how many were removed.
func (r *TaskRepo) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM provisioning_tasks
		WHERE status IN ('completed', 'failed')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune finished tasks: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return rowsAffected, nil
}

// collectTaskFromRows collects a single task from pgx rows.
func collectTaskFromRows(rows pgx.Rows) (*model.Task, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	task, err := scanTaskFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return task, nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTaskFromRow(scanner taskRowScanner) (*model.Task, error) {
	task := &model.Task{}
	var (
		payload                []byte
		lastError              sql.NullString
		startedAt, completedAt sql.NullTime
		leaseExpiresAt         sql.NullTime
	)
	if err := scanner.Scan(
		&task.ID,
		&task.JobID,
		&task.Kind,
		&task.Status,
		&payload,
		&task.ScheduledAt,
		&startedAt,
		&completedAt,
		&task.RetryCount,
		&task.MaxRetries,
		&lastError,
		&leaseExpiresAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	task.Payload = cloneJSON(payload)
	task.LastError = cloneNullableString(lastError)
	task.StartedAt = cloneNullableTime(startedAt)
	task.CompletedAt = cloneNullableTime(completedAt)
	task.LeaseExpiresAt = cloneNullableTime(leaseExpiresAt)
	return task, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
