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
)

type threadStore struct {
	pool *pgxpool.Pool
}

func (s *threadStore) FindOrCreateSupervisorThread(ctx context.Context, ownerID string) (*models.Thread, error) {
	// Insert-first with conflict fallback keeps the one-thread-per-owner
	// invariant under concurrent first requests; the partial unique index is
	// the arbiter.
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO threads (id, owner_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) WHERE kind = 'supervisor' DO UPDATE SET updated_at = now()
		RETURNING id, owner_id, kind, created_at, updated_at`,
		id, ownerID, models.ThreadKindSupervisor,
	)
	var t models.Thread
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Kind, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("find or create supervisor thread: %w", err)
	}
	return &t, nil
}

func (s *threadStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = data
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, run_id, processed, internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID,
		msg.RunID, msg.Processed, msg.Internal, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, thread_id, seq, role, content, tool_calls, tool_call_id, run_id, processed, internal, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var role string
	var toolCalls []byte
	err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &role, &m.Content, &toolCalls,
		&m.ToolCallID, &m.RunID, &m.Processed, &m.Internal, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	m.Role = models.MessageRole(role)
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls for message %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (s *threadStore) Messages(ctx context.Context, threadID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *threadStore) ToolMessageByCallID(ctx context.Context, threadID, toolCallID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1 AND role = 'tool' AND tool_call_id = $2
		 ORDER BY seq LIMIT 1`,
		threadID, toolCallID)
	return scanMessage(row)
}

func (s *threadStore) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (s *threadStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE messages SET processed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark messages processed: %w", err)
	}
	return nil
}
