// Package engine drives a language model in a ReAct loop: call model, execute
// any tool calls, feed results back, repeat until the model produces a final
// answer or delegated work forces an interrupt.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/tools"
)

const (
	// maxIterationsMessage is the assistant text appended when the iteration
	// cap is hit.
	maxIterationsMessage = "Exceeded maximum iterations"
	// emptyRetryReminder is injected before the forced retry of an empty
	// model response.
	emptyRetryReminder = "Your previous response was empty. You MUST either call a tool or provide a final answer"
	// emptyFailureMessage is the concrete error answer after the retry also
	// came back empty.
	emptyFailureMessage = "The model returned an empty response twice in a row and no answer could be produced."
)

// Config bounds a single engine invocation.
type Config struct {
	MaxIterations      int
	MaxConcurrentTools int
	MaxUserTurns       int
	MaxChars           int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      50,
		MaxConcurrentTools: 5,
		MaxUserTurns:       40,
		MaxChars:           400_000,
	}
}

// AgentConfig describes one agent invocation: which model, which tools, and
// whether delegation and token streaming are enabled.
type AgentConfig struct {
	Model           string
	ReasoningEffort string
	MaxTokens       int
	Binder          *tools.Binder
	// AllowSpawn advertises spawn_worker and wait_for_worker. Worker engines
	// leave it off so delegation cannot recurse.
	AllowSpawn bool
	// Stream emits transient supervisor_token events for assistant text.
	Stream bool
	// ToolOutputs offloads oversized tool results when non-nil.
	ToolOutputs *artifacts.ToolOutputStore
}

// Engine executes ReAct loops. One Engine serves many concurrent runs; all
// per-run state lives in Run's locals.
type Engine struct {
	client  llm.Client
	jobs    store.JobStore
	results artifacts.Store
	emitter events.Emitter
	logger  *slog.Logger
	cfg     Config
}

// New creates an Engine. results may be nil when the engine will never serve
// spawn_worker (worker engines).
func New(client llm.Client, jobs store.JobStore, results artifacts.Store, emitter events.Emitter, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxConcurrentTools <= 0 {
		cfg.MaxConcurrentTools = DefaultConfig().MaxConcurrentTools
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, jobs: jobs, results: results, emitter: emitter, logger: logger, cfg: cfg}
}

// Run executes the loop over msgs. It never persists messages; the returned
// Result carries the full conversation and the caller stores the suffix.
// Interrupts come back as Result.Interrupt, not as an error. Model API errors
// are terminal and returned as error.
func (e *Engine) Run(ctx context.Context, msgs []llm.Message, cfg AgentConfig) (*Result, error) {
	identity := models.IdentityFromContext(ctx)
	usage := &llm.UsageAccumulator{}
	log := e.logger.With("run_id", identity.RunID, "trace_id", identity.TraceID)

	// Crash-safe resume: if the tail assistant message still has unanswered
	// tool calls, execute those before touching the model again.
	if pending := pendingToolCalls(msgs); len(pending) > 0 {
		log.Info("resuming with pending tool calls", "count", len(pending))
		var intr *Interrupt
		var err error
		msgs, intr, err = e.executeTurn(ctx, msgs, pending, cfg, log)
		if err != nil {
			return nil, err
		}
		if intr != nil {
			return &Result{Messages: msgs, Interrupt: intr, Usage: usage.Total()}, nil
		}
	}

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.callModel(ctx, msgs, cfg, llm.ToolChoiceAuto, usage)
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		// Empty-response recovery: one forced retry, then a concrete error
		// answer. Empty is never success.
		if isEmpty(resp.Message) {
			log.Warn("empty model response, retrying with forced tool choice")
			msgs = append(msgs, llm.Message{Role: models.RoleSystem, Content: emptyRetryReminder})
			resp, err = e.callModel(ctx, msgs, cfg, llm.ToolChoiceRequired, usage)
			if err != nil {
				return nil, fmt.Errorf("model retry failed: %w", err)
			}
			if isEmpty(resp.Message) {
				msgs = append(msgs, llm.Message{Role: models.RoleAssistant, Content: emptyFailureMessage})
				return e.completed(msgs, usage), nil
			}
		}

		msgs = append(msgs, resp.Message)
		if len(resp.Message.ToolCalls) == 0 {
			return e.completed(msgs, usage), nil
		}
		if resp.Message.Content != "" {
			e.emitter.Emit(ctx, identity.RunID, events.EventSupervisorThinking, map[string]any{
				"content": resp.Message.Content,
			})
		}

		var intr *Interrupt
		msgs, intr, err = e.executeTurn(ctx, msgs, resp.Message.ToolCalls, cfg, log)
		if err != nil {
			return nil, err
		}
		if intr != nil {
			return &Result{Messages: msgs, Interrupt: intr, Usage: usage.Total()}, nil
		}
	}

	log.Warn("iteration cap reached", "max", e.cfg.MaxIterations)
	msgs = append(msgs, llm.Message{Role: models.RoleAssistant, Content: maxIterationsMessage})
	return e.completed(msgs, usage), nil
}

func (e *Engine) completed(msgs []llm.Message, usage *llm.UsageAccumulator) *Result {
	return &Result{Messages: msgs, Usage: usage.Total()}
}

func (e *Engine) callModel(ctx context.Context, msgs []llm.Message, cfg AgentConfig, choice llm.ToolChoice, usage *llm.UsageAccumulator) (*llm.Response, error) {
	identity := models.IdentityFromContext(ctx)
	defs := cfg.Binder.Definitions()
	if cfg.AllowSpawn {
		defs = append(defs, tools.SpawnWorkerDef(), tools.WaitForWorkerDef())
	}
	var stream llm.StreamFunc
	if cfg.Stream {
		stream = func(delta string) {
			e.emitter.EmitTransient(ctx, identity.RunID, events.EventSupervisorToken, map[string]any{
				"content": delta,
			})
		}
	}
	resp, err := e.client.Chat(ctx, llm.Request{
		Model:           cfg.Model,
		ReasoningEffort: cfg.ReasoningEffort,
		Messages:        trimMessages(msgs, e.cfg.MaxUserTurns, e.cfg.MaxChars),
		Tools:           defs,
		ToolChoice:      choice,
		MaxTokens:       cfg.MaxTokens,
	}, stream)
	if err != nil {
		return nil, err
	}
	usage.Record(resp.Usage)
	return resp, nil
}

func isEmpty(m llm.Message) bool {
	return len(m.ToolCalls) == 0 && strings.TrimSpace(m.Content) == ""
}

// pendingToolCalls returns the tool calls of the trailing assistant turn that
// have no tool-response message yet.
func pendingToolCalls(msgs []llm.Message) []models.ToolCall {
	answered := make(map[string]bool)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == models.RoleTool {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			var pending []models.ToolCall
			for _, call := range m.ToolCalls {
				if !answered[call.ID] {
					pending = append(pending, call)
				}
			}
			return pending
		}
		// Any other message between the tail and the assistant turn means
		// the turn was fully answered.
		return nil
	}
	return nil
}
