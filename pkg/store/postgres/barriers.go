package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

type barrierStore struct {
	pool *pgxpool.Pool
}

const barrierColumns = `id, run_id, expected_count, completed_count, status, deadline_at, created_at, updated_at`

func scanBarrier(row pgx.Row) (*models.WorkerBarrier, error) {
	var b models.WorkerBarrier
	var status string
	err := row.Scan(&b.ID, &b.RunID, &b.ExpectedCount, &b.CompletedCount, &status,
		&b.DeadlineAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.Status = models.BarrierStatus(status)
	return &b, nil
}

const barrierJobColumns = `id, barrier_id, job_id, tool_call_id, ordinal, status, result, error, completed_at`

func scanBarrierJob(row pgx.Row) (*models.WorkerBarrierJob, error) {
	var bj models.WorkerBarrierJob
	var status string
	err := row.Scan(&bj.ID, &bj.BarrierID, &bj.JobID, &bj.ToolCallID, &bj.Ordinal, &status,
		&bj.Result, &bj.Error, &bj.CompletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	bj.Status = models.BarrierJobStatus(status)
	return &bj, nil
}

func (s *barrierStore) GetByRunID(ctx context.Context, runID string) (*models.WorkerBarrier, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+barrierColumns+` FROM worker_barriers WHERE run_id = $1`, runID)
	return scanBarrier(row)
}

func (s *barrierStore) JobsByBarrier(ctx context.Context, barrierID string) ([]*models.WorkerBarrierJob, error) {
	return queryBarrierJobs(ctx, s.pool, barrierID)
}

func queryBarrierJobs(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, barrierID string) ([]*models.WorkerBarrierJob, error) {
	// Ordinal order, so the batch matches the spawning turn's tool-call list.
	rows, err := q.Query(ctx,
		`SELECT `+barrierJobColumns+` FROM worker_barrier_jobs WHERE barrier_id = $1 ORDER BY ordinal, id`,
		barrierID)
	if err != nil {
		return nil, fmt.Errorf("query barrier jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerBarrierJob
	for rows.Next() {
		bj, err := scanBarrierJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bj)
	}
	return out, rows.Err()
}

func (s *barrierStore) SetStatus(ctx context.Context, barrierID string, status models.BarrierStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_barriers SET status = $2, updated_at = now() WHERE id = $1`,
		barrierID, string(status))
	if err != nil {
		return fmt.Errorf("set barrier status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Install runs the two-phase-commit setup in one transaction: barrier row
// created or reset, old barrier-jobs deleted, new associations inserted, and
// the seeded worker jobs flipped created→queued. Workers only observe their
// jobs after the commit, which closes the fast-worker race.
func (s *barrierStore) Install(ctx context.Context, runID string, deadline time.Time, seeds []store.BarrierSeed) (*models.WorkerBarrier, error) {
	var out *models.WorkerBarrier
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var barrierID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM worker_barriers WHERE run_id = $1 FOR UPDATE`, runID).Scan(&barrierID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			barrierID = uuid.New().String()
			_, err = tx.Exec(ctx, `
				INSERT INTO worker_barriers (id, run_id, expected_count, completed_count, status, deadline_at)
				VALUES ($1, $2, $3, 0, 'waiting', $4)`,
				barrierID, runID, len(seeds), deadline)
			if err != nil {
				return fmt.Errorf("insert barrier: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lock barrier for install: %w", err)
		default:
			// Reuse: stale barrier-jobs would poison the next resume.
			if _, err := tx.Exec(ctx,
				`DELETE FROM worker_barrier_jobs WHERE barrier_id = $1`, barrierID); err != nil {
				return fmt.Errorf("delete stale barrier jobs: %w", err)
			}
			_, err = tx.Exec(ctx, `
				UPDATE worker_barriers
				SET status = 'waiting', expected_count = $2, completed_count = 0, deadline_at = $3, updated_at = now()
				WHERE id = $1`,
				barrierID, len(seeds), deadline)
			if err != nil {
				return fmt.Errorf("reset barrier: %w", err)
			}
		}

		jobIDs := make([]string, 0, len(seeds))
		for i, seed := range seeds {
			if _, err := tx.Exec(ctx, `
				INSERT INTO worker_barrier_jobs (id, barrier_id, job_id, tool_call_id, ordinal, status)
				VALUES ($1, $2, $3, $4, $5, 'queued')`,
				uuid.New().String(), barrierID, seed.JobID, seed.ToolCallID, i); err != nil {
				return fmt.Errorf("insert barrier job: %w", err)
			}
			jobIDs = append(jobIDs, seed.JobID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE worker_jobs SET status = 'queued' WHERE id = ANY($1) AND status = 'created'`,
			jobIDs); err != nil {
			return fmt.Errorf("queue worker jobs: %w", err)
		}

		b, err := scanBarrier(tx.QueryRow(ctx,
			`SELECT `+barrierColumns+` FROM worker_barriers WHERE id = $1`, barrierID))
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteJob records one worker result under the barrier row lock. The
// single completion that raises completed_count to expected_count flips the
// barrier to resuming and receives the batch; every other caller sees
// waiting or skipped.
func (s *barrierStore) CompleteJob(ctx context.Context, runID, jobID, result, errMsg string) (*store.BarrierOutcome, error) {
	var outcome *store.BarrierOutcome
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := scanBarrier(tx.QueryRow(ctx,
			`SELECT `+barrierColumns+` FROM worker_barriers WHERE run_id = $1 FOR UPDATE`, runID))
		if errors.Is(err, store.ErrNotFound) {
			outcome = &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNoBarrier}
			return nil
		}
		if err != nil {
			return err
		}
		if b.Status != models.BarrierWaiting {
			outcome = &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNotWaiting, BarrierID: b.ID}
			return nil
		}

		bj, err := scanBarrierJob(tx.QueryRow(ctx,
			`SELECT `+barrierJobColumns+` FROM worker_barrier_jobs WHERE barrier_id = $1 AND job_id = $2`,
			b.ID, jobID))
		if errors.Is(err, store.ErrNotFound) {
			outcome = &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNotInBarrier, BarrierID: b.ID}
			return nil
		}
		if err != nil {
			return err
		}
		if bj.Status.Terminal() {
			outcome = &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonAlreadyRecorded, BarrierID: b.ID}
			return nil
		}

		bjStatus := models.BarrierJobCompleted
		if errMsg != "" {
			bjStatus = models.BarrierJobFailed
		}
		if _, err := tx.Exec(ctx, `
			UPDATE worker_barrier_jobs
			SET status = $2, result = $3, error = $4, completed_at = now()
			WHERE id = $1`,
			bj.ID, string(bjStatus), result, errMsg); err != nil {
			return fmt.Errorf("record barrier job result: %w", err)
		}

		completed := b.CompletedCount + 1
		reached := completed >= b.ExpectedCount
		newStatus := string(models.BarrierWaiting)
		if reached {
			newStatus = string(models.BarrierResuming)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE worker_barriers SET completed_count = $2, status = $3, updated_at = now() WHERE id = $1`,
			b.ID, completed, newStatus); err != nil {
			return fmt.Errorf("update barrier counters: %w", err)
		}

		if reached {
			batch, err := queryBarrierJobs(ctx, tx, b.ID)
			if err != nil {
				return err
			}
			outcome = &store.BarrierOutcome{
				Decision:  store.BarrierResume,
				Completed: completed,
				Expected:  b.ExpectedCount,
				BarrierID: b.ID,
				Batch:     batch,
			}
			return nil
		}
		outcome = &store.BarrierOutcome{
			Decision:  store.BarrierWaiting,
			Completed: completed,
			Expected:  b.ExpectedCount,
			BarrierID: b.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// ReapExpired claims deadline-expired waiting barriers one at a time with
// FOR UPDATE NOWAIT: a contended lock means another process is already
// handling that barrier, so it is skipped.
func (s *barrierStore) ReapExpired(ctx context.Context, now time.Time, timeoutErr string) ([]*store.ExpiredBarrier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id FROM worker_barriers WHERE status = 'waiting' AND deadline_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired barriers: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			rows.Close()
			return nil, err
		}
		runIDs = append(runIDs, runID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*store.ExpiredBarrier
	for _, runID := range runIDs {
		expired, err := s.reapOne(ctx, runID, now, timeoutErr)
		if err != nil {
			return out, err
		}
		if expired != nil {
			out = append(out, expired)
		}
	}
	return out, nil
}

func (s *barrierStore) reapOne(ctx context.Context, runID string, now time.Time, timeoutErr string) (*store.ExpiredBarrier, error) {
	var expired *store.ExpiredBarrier
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := scanBarrier(tx.QueryRow(ctx,
			`SELECT `+barrierColumns+` FROM worker_barriers WHERE run_id = $1 FOR UPDATE NOWAIT`, runID))
		if err != nil {
			if isLockNotAvailable(err) || errors.Is(err, store.ErrNotFound) {
				return nil // someone else has it
			}
			return err
		}
		// Re-check under the lock: another completion may have claimed the
		// barrier between the scan and this lock.
		if b.Status != models.BarrierWaiting || !b.DeadlineAt.Before(now) {
			return nil
		}

		rows, err := tx.Query(ctx, `
			UPDATE worker_barrier_jobs
			SET status = 'timeout', error = $2, completed_at = now()
			WHERE barrier_id = $1 AND status NOT IN ('completed', 'failed', 'timeout')
			RETURNING job_id`,
			b.ID, timeoutErr)
		if err != nil {
			return fmt.Errorf("time out barrier jobs: %w", err)
		}
		var timedOut []string
		for rows.Next() {
			var jobID string
			if err := rows.Scan(&jobID); err != nil {
				rows.Close()
				return err
			}
			timedOut = append(timedOut, jobID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE worker_barriers SET status = 'resuming', updated_at = now() WHERE id = $1`, b.ID); err != nil {
			return fmt.Errorf("claim expired barrier: %w", err)
		}

		batch, err := queryBarrierJobs(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		b.Status = models.BarrierResuming
		expired = &store.ExpiredBarrier{Barrier: b, Batch: batch, TimedOutJobIDs: timedOut}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
