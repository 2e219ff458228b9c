package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-run/maestro/pkg/models"
)

// ScriptEntry is one canned model response. When Match is non-nil the entry
// only fires for requests it accepts; unmatched requests fall through to the
// next unconsumed entry.
type ScriptEntry struct {
	// Match filters which request consumes this entry. Nil matches any.
	Match func(req Request) bool
	// Response is returned verbatim. Ignored when Err is set.
	Response Response
	// Err is returned instead of a response, simulating a provider failure.
	Err error
	// Block, when non-nil, is closed-waited before responding. Lets tests
	// hold a model call open to exercise timeout and cancellation paths.
	Block chan struct{}
}

// ScriptedClient replays a fixed script of model responses in order. It is
// the test double for Client: deterministic and strict, so running past the
// end of the script is an error.
type ScriptedClient struct {
	mu      sync.Mutex
	entries []*ScriptEntry
	calls   []Request
}

// NewScriptedClient builds a client that replays the given entries.
func NewScriptedClient(entries ...*ScriptEntry) *ScriptedClient {
	return &ScriptedClient{entries: entries}
}

// Append adds entries to the end of the script.
func (c *ScriptedClient) Append(entries ...*ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

// Calls returns a copy of every request seen so far, in arrival order.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.calls))
	copy(out, c.calls)
	return out
}

// Chat consumes the next matching script entry.
func (c *ScriptedClient) Chat(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	var entry *ScriptEntry
	for i, e := range c.entries {
		if e == nil {
			continue
		}
		if e.Match != nil && !e.Match(req) {
			continue
		}
		entry = e
		c.entries[i] = nil
		break
	}
	c.mu.Unlock()

	if entry == nil {
		return nil, fmt.Errorf("scripted llm: no script entry for call %d (model=%s)", len(c.calls), req.Model)
	}
	if entry.Block != nil {
		select {
		case <-entry.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	resp := entry.Response
	if resp.Message.Role == "" {
		resp.Message.Role = models.RoleAssistant
	}
	if stream != nil && resp.Message.Content != "" {
		stream(resp.Message.Content)
	}
	return &resp, nil
}

// TextResponse is a convenience constructor for a plain assistant reply.
func TextResponse(text string) Response {
	return Response{
		Message:    Message{Role: models.RoleAssistant, Content: text},
		StopReason: "end_turn",
		Usage:      &models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// ToolCallResponse is a convenience constructor for an assistant reply that
// requests the given tool calls.
func ToolCallResponse(calls ...models.ToolCall) Response {
	return Response{
		Message:    Message{Role: models.RoleAssistant, ToolCalls: calls},
		StopReason: "tool_use",
		Usage:      &models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}
