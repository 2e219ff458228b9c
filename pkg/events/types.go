// Package events provides durable lifecycle event publishing with real-time
// delivery via PostgreSQL NOTIFY/LISTEN and WebSocket fan-out.
//
// Persistent events are written to the events table and broadcast via NOTIFY
// in one transaction, so a client that reconnects can catch up from its last
// seen event id and never observe a gap. Token deltas are transient: NOTIFY
// only, lost on disconnect, because the final text always arrives in the
// completion event.
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	EventSupervisorStarted  = "supervisor_started"
	EventSupervisorThinking = "supervisor_thinking"
	EventSupervisorComplete = "supervisor_complete"
	EventSupervisorWaiting  = "supervisor_waiting"
	EventSupervisorDeferred = "supervisor_deferred"
	EventSupervisorResumed  = "supervisor_resumed"

	EventWorkerSpawned       = "worker_spawned"
	EventWorkerToolStarted   = "worker_tool_started"
	EventWorkerToolCompleted = "worker_tool_completed"
	EventWorkerToolFailed    = "worker_tool_failed"
	EventWorkerComplete      = "worker_complete"

	EventRunUpdated    = "run_updated"
	EventStreamControl = "stream_control"
	EventError         = "error"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	// Supervisor streaming text chunks. High-frequency and ephemeral.
	EventSupervisorToken = "supervisor_token"
)

// stream_control actions and reasons.
const (
	StreamActionKeepOpen = "keep_open"
	StreamActionClose    = "close"

	StreamReasonWorkersPending = "workers_pending"
	StreamReasonAllComplete    = "all_complete"
	StreamReasonCancelled      = "cancelled"
	StreamReasonError          = "error"
)

// StreamKeepOpenTTLMs is the lease extension granted to a client stream while
// background workers are pending.
const StreamKeepOpenTTLMs = 120_000

// RunChannel returns the NOTIFY channel name for a run's events. Continuation
// runs publish under their chain root so one client subscription follows the
// whole chain. Format: "run:{run_id}".
func RunChannel(rootRunID string) string {
	return "run:" + rootRunID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "run:abc-123"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
