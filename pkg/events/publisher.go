package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RootResolver maps a run id to its chain-root run id. Continuation runs
// publish on the root's channel so a single client subscription follows the
// whole chain.
type RootResolver func(ctx context.Context, runID string) (string, error)

// Publisher implements Emitter on top of PostgreSQL: persistent events are
// inserted into the events table and broadcast via pg_notify in the same
// transaction (NOTIFY is transactional, held until COMMIT), so persistence
// and delivery are atomic. Transient events are NOTIFY-only.
type Publisher struct {
	pool        *pgxpool.Pool
	resolveRoot RootResolver

	mu    sync.Mutex
	roots map[string]string // runID → rootRunID, immutable once set
}

// NewPublisher creates a Publisher. resolveRoot may be nil, in which case
// every run publishes on its own channel.
func NewPublisher(pool *pgxpool.Pool, resolveRoot RootResolver) *Publisher {
	return &Publisher{pool: pool, resolveRoot: resolveRoot, roots: make(map[string]string)}
}

// Emit persists and broadcasts an event. Best-effort: failures are logged,
// never propagated. Event delivery must not fail runs.
func (p *Publisher) Emit(ctx context.Context, runID, eventType string, payload map[string]any) {
	payloadJSON, channel, err := p.prepare(ctx, runID, eventType, payload)
	if err != nil {
		slog.Warn("Failed to prepare event", "run_id", runID, "event_type", eventType, "error", err)
		return
	}
	if err := p.persistAndNotify(ctx, runID, eventType, channel, payloadJSON); err != nil {
		slog.Warn("Failed to publish event", "run_id", runID, "event_type", eventType, "error", err)
	}
}

// EmitTransient broadcasts without persistence.
func (p *Publisher) EmitTransient(ctx context.Context, runID, eventType string, payload map[string]any) {
	payloadJSON, channel, err := p.prepare(ctx, runID, eventType, payload)
	if err != nil {
		slog.Warn("Failed to prepare transient event", "run_id", runID, "event_type", eventType, "error", err)
		return
	}
	if err := p.notifyOnly(ctx, channel, payloadJSON); err != nil {
		slog.Warn("Failed to notify transient event", "run_id", runID, "event_type", eventType, "error", err)
	}
}

func (p *Publisher) prepare(ctx context.Context, runID, eventType string, payload map[string]any) ([]byte, string, error) {
	enriched := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["type"] = eventType
	enriched["run_id"] = runID
	enriched["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	payloadJSON, err := json.Marshal(enriched)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event payload: %w", err)
	}
	return payloadJSON, RunChannel(p.rootOf(ctx, runID)), nil
}

func (p *Publisher) rootOf(ctx context.Context, runID string) string {
	if p.resolveRoot == nil {
		return runID
	}
	p.mu.Lock()
	root, ok := p.roots[runID]
	p.mu.Unlock()
	if ok {
		return root
	}
	root, err := p.resolveRoot(ctx, runID)
	if err != nil || root == "" {
		return runID
	}
	p.mu.Lock()
	p.roots[runID] = root
	p.mu.Unlock()
	return root
}

// persistAndNotify inserts the event and issues pg_notify in one transaction.
func (p *Publisher) persistAndNotify(ctx context.Context, runID, eventType, channel string, payloadJSON []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (run_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		runID, eventType, payloadJSON, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// injectEventIDAndTruncate adds db_event_id to the NOTIFY copy of the payload
// so clients can track their catch-up position, then applies the size cap.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = eventID
	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded keeps NOTIFY payloads under PostgreSQL's 8000-byte limit.
// Oversized payloads are replaced with a minimal envelope carrying only the
// routing fields; clients fetch the full event from the database by id.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	var routing struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}
	truncated := map[string]any{
		"type":      routing.Type,
		"run_id":    routing.RunID,
		"truncated": true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated payload: %w", err)
	}
	return string(out), nil
}
