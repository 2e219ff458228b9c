package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/store"
)

// HandleWS upgrades GET /ws and hands the connection to the event manager.
// Clients then subscribe to run channels and request catchup by last-seen
// event id.
func (s *Server) HandleWS(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.wsOrigins) > 0 {
		opts.OriginPatterns = s.wsOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}
	s.manager.HandleConnection(c.Request.Context(), conn)
}

// EventCatchup adapts the event store to the connection manager's catchup
// interface, translating "run:<id>" channels to root-run queries.
type EventCatchup struct {
	runs   store.RunStore
	events store.EventStore
}

func NewEventCatchup(runs store.RunStore, evts store.EventStore) *EventCatchup {
	return &EventCatchup{runs: runs, events: evts}
}

func (q *EventCatchup) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]events.CatchupEvent, error) {
	runID, ok := strings.CutPrefix(channel, "run:")
	if !ok {
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
	rootID, err := q.runs.RootRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	stored, err := q.events.ListByRootRun(ctx, rootID, sinceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.CatchupEvent, 0, len(stored))
	for _, e := range stored {
		payload := map[string]any{}
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				payload = map[string]any{"type": e.EventType, "run_id": e.RunID}
			}
		}
		out = append(out, events.CatchupEvent{ID: e.ID, Payload: payload})
	}
	return out, nil
}
