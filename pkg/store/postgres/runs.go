package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

type runStore struct {
	pool *pgxpool.Pool
}

const runColumns = `id, owner_id, thread_id, agent_id, status, model, reasoning_effort,
	assistant_message_id, pending_tool_call_id, COALESCE(continuation_of_run_id, ''), root_run_id,
	trace_id, error, total_tokens, created_at, started_at, finished_at, duration_ms`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var status string
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.ThreadID, &r.AgentID, &status, &r.Model, &r.ReasoningEffort,
		&r.AssistantMessageID, &r.PendingToolCallID, &r.ContinuationOfRunID, &r.RootRunID,
		&r.TraceID, &r.Error, &r.TotalTokens, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.DurationMs,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	r.Status = models.RunStatus(status)
	return &r, nil
}

func (s *runStore) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	var continuation any
	if run.ContinuationOfRunID != "" {
		continuation = run.ContinuationOfRunID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, owner_id, thread_id, agent_id, status, model, reasoning_effort,
			assistant_message_id, pending_tool_call_id, continuation_of_run_id, root_run_id,
			trace_id, error, total_tokens, created_at, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.ID, run.OwnerID, run.ThreadID, run.AgentID, string(run.Status), run.Model, run.ReasoningEffort,
		run.AssistantMessageID, run.PendingToolCallID, continuation, run.RootRunID,
		run.TraceID, run.Error, run.TotalTokens, run.CreatedAt, run.StartedAt, run.FinishedAt, run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *runStore) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *runStore) CASStatus(ctx context.Context, id string, from, to models.RunStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $3,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("cas run status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *runStore) Finish(ctx context.Context, id string, status models.RunStatus, errMsg string, totalTokens *int, durationMs int64) (bool, error) {
	// Settled runs stay settled: a cancellation that landed first must not be
	// overwritten by the engine's own completion.
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error = $3, total_tokens = $4, duration_ms = $5, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running', 'waiting', 'deferred')`,
		id, string(status), errMsg, totalTokens, durationMs,
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *runStore) SetPendingToolCall(ctx context.Context, id, toolCallID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET pending_tool_call_id = $2 WHERE id = $1`, id, toolCallID)
	if err != nil {
		return fmt.Errorf("set pending tool call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *runStore) RootRunID(ctx context.Context, id string) (string, error) {
	var root, self string
	err := s.pool.QueryRow(ctx,
		`SELECT root_run_id, id FROM runs WHERE id = $1`, id).Scan(&root, &self)
	if err != nil {
		return "", mapErr(err)
	}
	if root != "" {
		return root, nil
	}
	return self, nil
}

func (s *runStore) ChainDepth(ctx context.Context, id string) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, continuation_of_run_id FROM runs WHERE id = $1
			UNION ALL
			SELECT r.id, r.continuation_of_run_id FROM runs r
			JOIN chain c ON r.id = c.continuation_of_run_id
		)
		SELECT count(*) FROM chain`, id).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("chain depth: %w", err)
	}
	return depth, nil
}
