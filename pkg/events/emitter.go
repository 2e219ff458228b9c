package events

import (
	"context"
	"sync"
)

// Emitter publishes lifecycle events for a run. Implementations must be safe
// for concurrent use. Emission is best-effort: failures are logged by the
// implementation and never fail the calling operation.
type Emitter interface {
	// Emit persists and broadcasts an event under the run's channel.
	Emit(ctx context.Context, runID, eventType string, payload map[string]any)
	// EmitTransient broadcasts without persistence (streamed tokens).
	EmitTransient(ctx context.Context, runID, eventType string, payload map[string]any)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, string, map[string]any)          {}
func (NopEmitter) EmitTransient(context.Context, string, string, map[string]any) {}

// RecordedEvent is one event captured by MemoryEmitter.
type RecordedEvent struct {
	RunID     string
	EventType string
	Payload   map[string]any
	Transient bool
}

// MemoryEmitter records events in memory for tests.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func NewMemoryEmitter() *MemoryEmitter { return &MemoryEmitter{} }

func (m *MemoryEmitter) Emit(_ context.Context, runID, eventType string, payload map[string]any) {
	m.record(runID, eventType, payload, false)
}

func (m *MemoryEmitter) EmitTransient(_ context.Context, runID, eventType string, payload map[string]any) {
	m.record(runID, eventType, payload, true)
}

func (m *MemoryEmitter) record(runID, eventType string, payload map[string]any, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, RecordedEvent{RunID: runID, EventType: eventType, Payload: payload, Transient: transient})
}

// Events returns a copy of all recorded events in emission order.
func (m *MemoryEmitter) Events() []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of the given type, in order.
func (m *MemoryEmitter) ByType(eventType string) []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
