package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maestro-run/maestro/pkg/models"
)

type eventStore struct {
	pool *pgxpool.Pool
}

func (s *eventStore) Append(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (run_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		event.RunID, event.EventType, event.Payload, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *eventStore) ListByRootRun(ctx context.Context, rootRunID string, sinceID int64, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.run_id, e.event_type, e.payload, e.created_at
		FROM events e
		WHERE e.id > $2
		  AND (e.run_id = $1 OR e.run_id IN (SELECT id FROM runs WHERE root_run_id = $1))
		ORDER BY e.id
		LIMIT NULLIF($3, 0)`,
		rootRunID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *eventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
