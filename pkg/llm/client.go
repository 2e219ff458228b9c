// Package llm defines the provider-neutral model client used by the engine,
// plus the conversation message types exchanged with it.
package llm

import (
	"context"
	"sync"

	"github.com/maestro-run/maestro/pkg/models"
)

// Message is one conversation entry as presented to the model. Unlike
// models.Message it carries no storage identity; the supervisor service maps
// between the two.
type Message struct {
	Role       models.MessageRole
	Content    string
	ToolCalls  []models.ToolCall
	ToolCallID string
}

// ToolDef describes one callable tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoice controls how the model may select tools for a single call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// Request is one model invocation. System messages inside Messages are
// extracted by the provider adapter.
type Request struct {
	Model           string
	ReasoningEffort string
	Messages        []Message
	Tools           []ToolDef
	ToolChoice      ToolChoice
	MaxTokens       int
}

// Response is the model's reply to a Request. Usage is nil when the provider
// reported no usage metadata; zero values are preserved once reported.
type Response struct {
	Message    Message
	StopReason string
	Usage      *models.TokenUsage
}

// StreamFunc receives incremental assistant text while a call is in flight.
// A nil StreamFunc disables streaming.
type StreamFunc func(delta string)

// Client is the model provider abstraction the engine talks to.
type Client interface {
	Chat(ctx context.Context, req Request, stream StreamFunc) (*Response, error)
}

// UsageAccumulator collects token usage across the model calls of one run.
// The zero value is ready to use. Total returns nil until the first non-nil
// usage is recorded, so "never reported" stays distinguishable from zero.
type UsageAccumulator struct {
	mu    sync.Mutex
	total *models.TokenUsage
}

// Record adds u to the accumulated total. Nil u is a no-op.
func (a *UsageAccumulator) Record(u *models.TokenUsage) {
	if u == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total == nil {
		a.total = &models.TokenUsage{}
	}
	a.total.Add(*u)
}

// Total returns a copy of the accumulated usage, or nil if no usage was ever
// reported.
func (a *UsageAccumulator) Total() *models.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total == nil {
		return nil
	}
	cp := *a.total
	return &cp
}
