package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

type jobStore struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, owner_id, supervisor_run_id, tool_call_id, task, model, reasoning_effort,
	status, worker_id, error, config, claimed_by, acknowledged, retry_count,
	created_at, started_at, finished_at, heartbeat_at`

func scanJob(row pgx.Row) (*models.WorkerJob, error) {
	var j models.WorkerJob
	var status string
	var config []byte
	err := row.Scan(&j.ID, &j.OwnerID, &j.SupervisorRunID, &j.ToolCallID, &j.Task, &j.Model, &j.ReasoningEffort,
		&status, &j.WorkerID, &j.Error, &config, &j.ClaimedBy, &j.Acknowledged, &j.RetryCount,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt)
	if err != nil {
		return nil, mapErr(err)
	}
	j.Status = models.JobStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &j.Config); err != nil {
			return nil, fmt.Errorf("unmarshal job config for %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func (s *jobStore) Create(ctx context.Context, job *models.WorkerJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	var config any
	if job.Config != nil {
		data, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("marshal job config: %w", err)
		}
		config = data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_jobs (id, owner_id, supervisor_run_id, tool_call_id, task, model, reasoning_effort,
			status, worker_id, error, config, claimed_by, acknowledged, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.OwnerID, job.SupervisorRunID, job.ToolCallID, job.Task, job.Model, job.ReasoningEffort,
		string(job.Status), job.WorkerID, job.Error, config, job.ClaimedBy, job.Acknowledged, job.RetryCount, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker job: %w", err)
	}
	return nil
}

func (s *jobStore) Get(ctx context.Context, id string) (*models.WorkerJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM worker_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *jobStore) GetByToolCallID(ctx context.Context, supervisorRunID, toolCallID string) (*models.WorkerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs WHERE supervisor_run_id = $1 AND tool_call_id = $2`,
		supervisorRunID, toolCallID)
	return scanJob(row)
}

func (s *jobStore) ListBySupervisorRun(ctx context.Context, supervisorRunID string) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs WHERE supervisor_run_id = $1 ORDER BY created_at, id`,
		supervisorRunID)
}

// ClaimNextQueued claims the oldest queued job using FOR UPDATE SKIP LOCKED
// so concurrent claimers on different pods never block or double-claim.
func (s *jobStore) ClaimNextQueued(ctx context.Context, claimedBy string) (*models.WorkerJob, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM worker_jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE worker_jobs j
		SET status = 'running', claimed_by = $1, started_at = now(), heartbeat_at = now()
		FROM next
		WHERE j.id = next.id
		RETURNING `+prefixed("j.", jobColumns),
		claimedBy)
	return scanJob(row)
}

func (s *jobStore) Finish(ctx context.Context, id string, status models.JobStatus, workerID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_jobs SET status = $2, worker_id = $3, error = $4, finished_at = now()
		WHERE id = $1`,
		id, string(status), workerID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("finish worker job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *jobStore) CASStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_jobs SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("cas worker job status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *jobStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE worker_jobs SET heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat worker job: %w", err)
	}
	return nil
}

func (s *jobStore) ListActiveByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM worker_jobs
		WHERE owner_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit)
}

func (s *jobStore) ListUnacknowledgedByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM worker_jobs
		WHERE owner_id = $1 AND status IN ('success', 'failed', 'cancelled', 'timeout') AND NOT acknowledged
		ORDER BY finished_at DESC NULLS LAST LIMIT $2`,
		ownerID, limit)
}

func (s *jobStore) ListRecentAcknowledgedByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM worker_jobs
		WHERE owner_id = $1 AND status IN ('success', 'failed', 'cancelled', 'timeout') AND acknowledged
		ORDER BY finished_at DESC NULLS LAST LIMIT $2`,
		ownerID, limit)
}

func (s *jobStore) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE worker_jobs SET acknowledged = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("acknowledge worker jobs: %w", err)
	}
	return nil
}

func (s *jobStore) RequeueOrphans(ctx context.Context, staleBefore time.Time, maxRetries int) (int, int, error) {
	var requeued, failed int64
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE worker_jobs
			SET status = 'failed', error = 'exceeded max retries after repeated orphan recovery', finished_at = now()
			WHERE status = 'running' AND heartbeat_at < $1 AND retry_count >= $2`,
			staleBefore, maxRetries)
		if err != nil {
			return fmt.Errorf("fail exhausted orphans: %w", err)
		}
		failed = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE worker_jobs
			SET status = 'queued', retry_count = retry_count + 1, claimed_by = '', heartbeat_at = NULL
			WHERE status = 'running' AND heartbeat_at < $1`,
			staleBefore)
		if err != nil {
			return fmt.Errorf("requeue orphans: %w", err)
		}
		requeued = tag.RowsAffected()
		return nil
	})
	return int(requeued), int(failed), err
}

func (s *jobStore) RequeueClaimedBy(ctx context.Context, claimedBy string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_jobs
		SET status = 'queued', claimed_by = '', heartbeat_at = NULL
		WHERE status = 'running' AND claimed_by = $1`,
		claimedBy)
	if err != nil {
		return 0, fmt.Errorf("requeue jobs claimed by %s: %w", claimedBy, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *jobStore) FailStaleCreated(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_jobs
		SET status = 'failed', error = 'orphaned before barrier setup completed', finished_at = now()
		WHERE status = 'created' AND created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM worker_barrier_jobs bj WHERE bj.job_id = worker_jobs.id)`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("fail stale created jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *jobStore) queryJobs(ctx context.Context, sql string, args ...any) ([]*models.WorkerJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query worker jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
