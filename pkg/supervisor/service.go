// Package supervisor implements the lifecycle of supervisor runs: the
// per-owner thread, inbox context injection, the shielded-timeout engine
// invocation, interrupt handling with barrier install, and resume after
// worker completion.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/barrier"
	"github.com/maestro-run/maestro/pkg/engine"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/tools"
)

// User-visible messages for non-success outcomes.
const (
	waitingMessage  = "working in the background"
	deferredMessage = "still working; I'll continue when ready"
)

// Config tunes the lifecycle service.
type Config struct {
	AgentID         string
	DefaultModel    string
	ReasoningEffort string
	MaxTokens       int
	// Allowlist restricts the supervisor's regular tool set; spawn_worker
	// and wait_for_worker are always advertised on top of it.
	Allowlist []string
	// DefaultTimeout bounds how long a request waits for the engine before
	// deferring. The engine keeps running past it.
	DefaultTimeout time.Duration
	// MaxChainDepth bounds continuation chains.
	MaxChainDepth int
	Stream        bool
}

func DefaultConfig() Config {
	return Config{
		AgentID:        "supervisor",
		MaxTokens:      8192,
		DefaultTimeout: 120 * time.Second,
		MaxChainDepth:  10,
		Stream:         true,
	}
}

// TurnRequest starts one supervisor turn.
type TurnRequest struct {
	OwnerID         string `json:"ownerId"`
	Task            string `json:"task"`
	MessageID       string `json:"messageId,omitempty"`
	TraceID         string `json:"traceId,omitempty"`
	ModelOverride   string `json:"modelOverride,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

// TurnResponse reports the turn's outcome as observed within the timeout.
type TurnResponse struct {
	RunID      string           `json:"runId"`
	ThreadID   string           `json:"threadId"`
	Status     models.RunStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"durationMs"`
}

// Service orchestrates supervisor runs end to end.
type Service struct {
	store       store.Store
	engine      *engine.Engine
	registry    *tools.Registry
	coordinator *barrier.Coordinator
	inbox       *InboxBuilder
	outputs     *artifacts.ToolOutputStore
	emitter     events.Emitter
	logger      *slog.Logger
	cfg         Config

	// active maps run id to the cancel func of its engine context, so Cancel
	// can stop the engine mid-iteration.
	active sync.Map
}

func NewService(st store.Store, eng *engine.Engine, registry *tools.Registry, coordinator *barrier.Coordinator,
	inbox *InboxBuilder, outputs *artifacts.ToolOutputStore, emitter events.Emitter, logger *slog.Logger, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = def.MaxChainDepth
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: st, engine: eng, registry: registry, coordinator: coordinator,
		inbox: inbox, outputs: outputs, emitter: emitter, logger: logger, cfg: cfg,
	}
}

// StartTurn runs one user turn. It returns when the engine finishes or the
// timeout fires, whichever is first; on timeout the run is DEFERRED and the
// engine keeps working in the background.
func (s *Service) StartTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.OwnerID == "" || req.Task == "" {
		return nil, errors.New("ownerId and task are required")
	}

	thread, err := s.store.Threads().FindOrCreateSupervisorThread(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve supervisor thread: %w", err)
	}

	run := &models.Run{
		ID:                 uuid.New().String(),
		OwnerID:            req.OwnerID,
		ThreadID:           thread.ID,
		AgentID:            s.cfg.AgentID,
		Status:             models.RunQueued,
		Model:              firstNonEmpty(req.ModelOverride, s.cfg.DefaultModel),
		ReasoningEffort:    firstNonEmpty(req.ReasoningEffort, s.cfg.ReasoningEffort),
		AssistantMessageID: uuid.New().String(),
		TraceID:            firstNonEmpty(req.TraceID, uuid.New().String()),
	}
	run.RootRunID = run.ID
	if err := s.store.Runs().Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if _, err := s.store.Runs().CASStatus(ctx, run.ID, models.RunQueued, models.RunRunning); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	s.emitter.Emit(ctx, run.ID, events.EventSupervisorStarted, map[string]any{
		"ownerId":  req.OwnerID,
		"threadId": thread.ID,
	})
	log := s.logger.With("run_id", run.ID, "owner_id", req.OwnerID, "trace_id", run.TraceID)
	log.Info("supervisor turn started", "task_len", len(req.Task))

	processedIDs, err := s.injectTurnMessages(ctx, run, thread.ID, req)
	if err != nil {
		s.failRun(ctx, run, time.Now(), err)
		return nil, err
	}

	history, err := s.loadHistory(ctx, thread.ID, req.OwnerID)
	if err != nil {
		s.failRun(ctx, run, time.Now(), err)
		return nil, err
	}

	timeout := s.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	// Shielded timeout: the engine runs on a context that survives both the
	// request's cancellation and the deferral below. Only explicit run
	// cancellation or process shutdown stops it.
	bg := models.WithIdentity(context.WithoutCancel(ctx), models.RunIdentity{
		RunID: run.ID, OwnerID: run.OwnerID, TraceID: run.TraceID,
	})
	runCtx, stop := context.WithCancel(bg)
	s.active.Store(run.ID, stop)
	outcomeCh := make(chan *TurnResponse, 1)
	go func() {
		defer func() {
			s.active.Delete(run.ID)
			stop()
		}()
		outcomeCh <- s.executeRun(runCtx, run, thread.ID, history, len(history), processedIDs, time.Now())
	}()

	select {
	case out := <-outcomeCh:
		return out, nil
	case <-time.After(timeout):
	}

	won, err := s.store.Runs().CASStatus(ctx, run.ID, models.RunRunning, models.RunDeferred)
	if err != nil {
		return nil, fmt.Errorf("defer run: %w", err)
	}
	if !won {
		// The engine finished (or interrupted) while we were deciding;
		// its outcome is on the channel.
		return <-outcomeCh, nil
	}
	log.Info("run deferred, engine continues in background", "timeout", timeout)
	s.emitter.Emit(ctx, run.ID, events.EventSupervisorDeferred, map[string]any{
		"message": deferredMessage,
	})
	s.emitter.Emit(ctx, run.ID, events.EventStreamControl, map[string]any{
		"action": events.StreamActionKeepOpen,
		"reason": events.StreamReasonWorkersPending,
		"ttlMs":  events.StreamKeepOpenTTLMs,
	})
	return &TurnResponse{
		RunID:    run.ID,
		ThreadID: thread.ID,
		Status:   models.RunDeferred,
		Result:   deferredMessage,
	}, nil
}

// Cancel marks a run cancelled and cancels its engine context, which the
// engine observes at its next iteration boundary.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	for _, from := range []models.RunStatus{models.RunRunning, models.RunWaiting, models.RunQueued} {
		won, err := s.store.Runs().CASStatus(ctx, runID, from, models.RunCancelled)
		if err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		if won {
			if stop, ok := s.active.LoadAndDelete(runID); ok {
				stop.(context.CancelFunc)()
			}
			s.emitter.Emit(ctx, runID, events.EventRunUpdated, map[string]any{
				"status": string(models.RunCancelled),
			})
			s.emitter.Emit(ctx, runID, events.EventStreamControl, map[string]any{
				"action": events.StreamActionClose,
				"reason": events.StreamReasonCancelled,
			})
			return nil
		}
	}
	return store.ErrNotFound
}

// injectTurnMessages persists the inbox context (if any) and the user
// message, acknowledging inbox jobs only after both are durable.
func (s *Service) injectTurnMessages(ctx context.Context, run *models.Run, threadID string, req TurnRequest) ([]string, error) {
	if err := s.inbox.PruneStale(ctx, threadID); err != nil {
		s.logger.Warn("inbox pruning failed", "thread_id", threadID, "error", err)
	}
	inboxCtx, err := s.inbox.Build(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("build inbox context: %w", err)
	}

	var ids []string
	if inboxCtx != nil {
		msg := &models.Message{
			ID:       uuid.New().String(),
			ThreadID: threadID,
			Role:     models.RoleSystem,
			Content:  inboxCtx.Content,
			RunID:    run.ID,
			Internal: true,
		}
		if err := s.store.Threads().AppendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("persist inbox context: %w", err)
		}
		ids = append(ids, msg.ID)
		// See-then-acknowledge: only after the context message is durable.
		if len(inboxCtx.AckJobIDs) > 0 {
			if err := s.store.Jobs().Acknowledge(ctx, inboxCtx.AckJobIDs); err != nil {
				s.logger.Warn("inbox acknowledge failed", "error", err)
			}
		}
	}

	userMsg := &models.Message{
		ID:       firstNonEmpty(req.MessageID, uuid.New().String()),
		ThreadID: threadID,
		Role:     models.RoleUser,
		Content:  req.Task,
		RunID:    run.ID,
	}
	if err := s.store.Threads().AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	return append(ids, userMsg.ID), nil
}

// executeRun invokes the engine and settles the run according to the
// outcome. Runs on the shielded background context.
func (s *Service) executeRun(ctx context.Context, run *models.Run, threadID string, history []llm.Message, baseLen int, processedIDs []string, started time.Time) *TurnResponse {
	log := s.logger.With("run_id", run.ID, "trace_id", run.TraceID)

	res, err := s.engine.Run(ctx, history, engine.AgentConfig{
		Model:           run.Model,
		ReasoningEffort: run.ReasoningEffort,
		MaxTokens:       s.cfg.MaxTokens,
		Binder:          tools.NewBinder(s.registry, s.cfg.Allowlist),
		AllowSpawn:      true,
		Stream:          s.cfg.Stream,
		ToolOutputs:     s.outputs,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancel already settled the run and emitted its events.
			log.Info("engine stopped by run cancellation")
			return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunCancelled,
				DurationMs: time.Since(started).Milliseconds()}
		}
		log.Error("engine run failed", "error", err)
		s.failRun(ctx, run, started, err)
		return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunFailed,
			Error: err.Error(), DurationMs: time.Since(started).Milliseconds()}
	}

	if perr := s.persistNewMessages(ctx, run, threadID, res.Messages[baseLen:]); perr != nil {
		log.Error("message persistence failed", "error", perr)
		s.failRun(ctx, run, started, perr)
		return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunFailed,
			Error: perr.Error(), DurationMs: time.Since(started).Milliseconds()}
	}
	if len(processedIDs) > 0 {
		if merr := s.store.Threads().MarkProcessed(ctx, processedIDs); merr != nil {
			log.Warn("mark processed failed", "error", merr)
		}
	}

	if res.Interrupted() {
		return s.settleInterrupt(ctx, run, threadID, res, started, log)
	}
	return s.settleCompletion(ctx, run, threadID, res, started, log)
}

// settleInterrupt transitions the run to WAITING and installs the barrier.
// The status flip happens before the install so that by the time any worker
// can observe its queued job, a resumer will find the run waiting.
func (s *Service) settleInterrupt(ctx context.Context, run *models.Run, threadID string, res *engine.Result, started time.Time, log *slog.Logger) *TurnResponse {
	intr := res.Interrupt

	if !s.casToWaiting(ctx, run.ID) {
		// Cancelled underneath us; don't queue the workers.
		log.Warn("run no longer eligible for waiting, dropping interrupt")
		return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunCancelled,
			DurationMs: time.Since(started).Milliseconds()}
	}

	var seeds []store.BarrierSeed
	switch intr.Type {
	case engine.InterruptWorkersPending:
		for _, p := range intr.PendingJobs {
			seeds = append(seeds, store.BarrierSeed{JobID: p.Job.ID, ToolCallID: p.ToolCallID})
		}
	case engine.InterruptWaitForWorker:
		seeds = []store.BarrierSeed{{JobID: intr.JobID, ToolCallID: intr.ToolCallID}}
		if err := s.store.Runs().SetPendingToolCall(ctx, run.ID, intr.ToolCallID); err != nil {
			log.Warn("set pending tool call failed", "error", err)
		}
	}

	if _, err := s.coordinator.Install(ctx, run.ID, seeds); err != nil {
		log.Error("barrier install failed", "error", err)
		s.failRun(ctx, run, started, err)
		return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunFailed,
			Error: err.Error(), DurationMs: time.Since(started).Milliseconds()}
	}

	log.Info("run waiting on workers", "jobs", len(seeds))
	s.emitter.Emit(ctx, run.ID, events.EventSupervisorWaiting, map[string]any{
		"jobIds": jobIDsOf(seeds),
	})
	s.emitter.Emit(ctx, run.ID, events.EventStreamControl, map[string]any{
		"action":         events.StreamActionKeepOpen,
		"reason":         events.StreamReasonWorkersPending,
		"ttlMs":          events.StreamKeepOpenTTLMs,
		"pendingWorkers": len(seeds),
	})
	return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunWaiting,
		Result: waitingMessage, DurationMs: time.Since(started).Milliseconds()}
}

func (s *Service) settleCompletion(ctx context.Context, run *models.Run, threadID string, res *engine.Result, started time.Time, log *slog.Logger) *TurnResponse {
	finalText := lastAssistantText(res.Messages)
	durationMs := time.Since(started).Milliseconds()

	var totalTokens *int
	if res.Usage != nil {
		t := res.Usage.TotalTokens
		totalTokens = &t
	}
	if !s.finishFromActive(ctx, run.ID, models.RunSuccess, "", totalTokens, durationMs) {
		log.Warn("run already settled elsewhere, skipping success transition")
		return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunCancelled, DurationMs: durationMs}
	}
	log.Info("supervisor run complete", "duration_ms", durationMs, "result_len", len(finalText))

	s.emitter.Emit(ctx, run.ID, events.EventSupervisorComplete, map[string]any{
		"content":   finalText,
		"messageId": run.AssistantMessageID,
	})
	s.emitter.Emit(ctx, run.ID, events.EventRunUpdated, map[string]any{
		"status":     string(models.RunSuccess),
		"durationMs": durationMs,
	})
	s.emitStreamDisposition(ctx, run)

	return &TurnResponse{RunID: run.ID, ThreadID: threadID, Status: models.RunSuccess,
		Result: finalText, DurationMs: durationMs}
}

// emitStreamDisposition closes the client stream unless workers spawned by
// this run are still pending, in which case the lease is extended so their
// completions can still be delivered.
func (s *Service) emitStreamDisposition(ctx context.Context, run *models.Run) {
	pending := 0
	if jobs, err := s.store.Jobs().ListBySupervisorRun(ctx, run.ID); err == nil {
		for _, j := range jobs {
			if !j.Status.Terminal() {
				pending++
			}
		}
	}
	if pending > 0 {
		s.emitter.Emit(ctx, run.ID, events.EventStreamControl, map[string]any{
			"action":         events.StreamActionKeepOpen,
			"reason":         events.StreamReasonWorkersPending,
			"ttlMs":          events.StreamKeepOpenTTLMs,
			"pendingWorkers": pending,
		})
		return
	}
	s.emitter.Emit(ctx, run.ID, events.EventStreamControl, map[string]any{
		"action": events.StreamActionClose,
		"reason": events.StreamReasonAllComplete,
	})
}

func (s *Service) failRun(ctx context.Context, run *models.Run, started time.Time, cause error) {
	durationMs := time.Since(started).Milliseconds()
	won, err := s.store.Runs().Finish(ctx, run.ID, models.RunFailed, cause.Error(), nil, durationMs)
	if err != nil {
		s.logger.Error("failed-run finish update failed", "run_id", run.ID, "error", err)
	} else if !won {
		s.logger.Info("run already settled, skipping failure transition", "run_id", run.ID)
	}
	s.emitter.Emit(ctx, run.ID, events.EventError, map[string]any{
		"message": cause.Error(),
		"status":  string(models.RunFailed),
	})
	s.emitter.Emit(ctx, run.ID, events.EventRunUpdated, map[string]any{
		"status":     string(models.RunFailed),
		"durationMs": durationMs,
		"error":      cause.Error(),
	})
	s.emitter.Emit(ctx, run.ID, events.EventStreamControl, map[string]any{
		"action": events.StreamActionClose,
		"reason": events.StreamReasonError,
	})
}

// casToWaiting moves an active run to WAITING, from running or deferred.
func (s *Service) casToWaiting(ctx context.Context, runID string) bool {
	for _, from := range []models.RunStatus{models.RunRunning, models.RunDeferred} {
		if won, err := s.store.Runs().CASStatus(ctx, runID, from, models.RunWaiting); err == nil && won {
			return true
		}
	}
	return false
}

// finishFromActive finishes the run if it is still settleable. The store
// guards the transition, so a cancellation racing in is never overwritten.
func (s *Service) finishFromActive(ctx context.Context, runID string, status models.RunStatus, errMsg string, totalTokens *int, durationMs int64) bool {
	won, err := s.store.Runs().Finish(ctx, runID, status, errMsg, totalTokens, durationMs)
	if err != nil {
		s.logger.Error("run finish update failed", "run_id", runID, "error", err)
		return false
	}
	return won
}

// persistNewMessages stores the engine's newly produced messages. Tool
// responses are idempotent by toolCallId so a crash-replayed resume never
// duplicates them.
func (s *Service) persistNewMessages(ctx context.Context, run *models.Run, threadID string, msgs []llm.Message) error {
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			if _, err := s.store.Threads().ToolMessageByCallID(ctx, threadID, m.ToolCallID); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("tool message lookup: %w", err)
			}
		}
		msg := &models.Message{
			ID:         uuid.New().String(),
			ThreadID:   threadID,
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			RunID:      run.ID,
			Internal:   m.Role == models.RoleSystem,
		}
		if err := s.store.Threads().AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("persist %s message: %w", m.Role, err)
		}
	}
	return nil
}

// loadHistory rebuilds the model conversation: a freshly rendered system
// prompt followed by the thread's stored messages.
func (s *Service) loadHistory(ctx context.Context, threadID, ownerID string) ([]llm.Message, error) {
	stored, err := s.store.Threads().Messages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread messages: %w", err)
	}
	history := make([]llm.Message, 0, len(stored)+1)
	history = append(history, llm.Message{Role: models.RoleSystem, Content: RenderSupervisorPrompt(ownerID)})
	for _, m := range stored {
		history = append(history, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return history, nil
}

func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func jobIDsOf(seeds []store.BarrierSeed) []string {
	ids := make([]string, len(seeds))
	for i, s := range seeds {
		ids[i] = s.JobID
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
