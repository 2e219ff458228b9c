package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/tools"
)

// executeTurn runs one assistant turn's tool calls. Non-delegation tools run
// concurrently and their responses are appended in call order; spawn_worker
// and wait_for_worker are intercepted and may produce an interrupt. A failing
// tool never aborts the batch; it becomes a <tool-error> response on its own
// toolCallId.
func (e *Engine) executeTurn(ctx context.Context, msgs []llm.Message, calls []models.ToolCall, cfg AgentConfig, log *slog.Logger) ([]llm.Message, *Interrupt, error) {
	identity := models.IdentityFromContext(ctx)

	// responses[i] corresponds to calls[i]; nil means the call produced no
	// inline response (it is carried by the interrupt instead).
	responses := make([]*llm.Message, len(calls))
	var searchResults []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentTools)
	for i, call := range calls {
		if call.Name == tools.SpawnWorkerName || call.Name == tools.WaitForWorkerName {
			continue
		}
		g.Go(func() error {
			responses[i] = e.invokeTool(gctx, call, cfg, log)
			return nil
		})
	}
	// Tool errors are folded into responses; the group only fails on
	// context cancellation.
	if err := g.Wait(); err != nil {
		return msgs, nil, err
	}

	for i, call := range calls {
		if call.Name == tools.SearchToolsName && responses[i] != nil {
			searchResults = append(searchResults, responses[i].Content)
		}
	}

	// Delegation calls run sequentially after the parallel batch so their
	// cached results land in call order too.
	var pending []PendingJob
	var waitIntr *Interrupt
	for i, call := range calls {
		switch call.Name {
		case tools.SpawnWorkerName:
			resp, p, err := e.handleSpawn(ctx, identity, call, log)
			if err != nil {
				return msgs, nil, err
			}
			if p != nil {
				pending = append(pending, *p)
			}
			responses[i] = resp
		case tools.WaitForWorkerName:
			resp, intr := e.handleWait(ctx, identity, call)
			if waitIntr == nil {
				waitIntr = intr
			}
			responses[i] = resp
		}
	}

	for _, resp := range responses {
		if resp != nil {
			msgs = append(msgs, *resp)
		}
	}

	// Rebind before the next model call so searched tools are callable.
	for _, result := range searchResults {
		if names := tools.ParseSearchResult(result); len(names) > 0 {
			added := cfg.Binder.Load(names)
			log.Info("loaded tools from search", "requested", len(names), "added", added)
		}
	}

	if len(pending) > 0 {
		jobIDs := make([]string, len(pending))
		for i, p := range pending {
			jobIDs[i] = p.Job.ID
		}
		return msgs, &Interrupt{Type: InterruptWorkersPending, PendingJobs: pending, JobIDs: jobIDs}, nil
	}
	return msgs, waitIntr, nil
}

// invokeTool executes one regular tool call, converting any failure or panic
// into a <tool-error> response.
func (e *Engine) invokeTool(ctx context.Context, call models.ToolCall, cfg AgentConfig, log *slog.Logger) *llm.Message {
	identity := models.IdentityFromContext(ctx)
	e.emitter.Emit(ctx, identity.RunID, events.EventWorkerToolStarted, map[string]any{
		"tool":       call.Name,
		"toolCallId": call.ID,
	})
	started := time.Now()

	result, err := e.safeInvoke(ctx, cfg.Binder, call)
	if err == nil && cfg.ToolOutputs != nil {
		result, err = cfg.ToolOutputs.WrapIfLarge(result)
	}
	if err != nil {
		log.Warn("tool call failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
		e.emitter.Emit(ctx, identity.RunID, events.EventWorkerToolFailed, map[string]any{
			"tool":       call.Name,
			"toolCallId": call.ID,
			"error":      err.Error(),
		})
		return &llm.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: tools.FormatError(err)}
	}

	e.emitter.Emit(ctx, identity.RunID, events.EventWorkerToolCompleted, map[string]any{
		"tool":       call.Name,
		"toolCallId": call.ID,
		"durationMs": time.Since(started).Milliseconds(),
	})
	return &llm.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: result}
}

// safeInvoke shields the loop from panicking tools.
func (e *Engine) safeInvoke(ctx context.Context, binder *tools.Binder, call models.ToolCall) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return binder.Invoke(ctx, call.Name, call.Args)
}

// handleSpawn resolves one spawn_worker call: reuse by (supervisorRunId,
// toolCallId) when a job already exists, serve cached results for finished
// jobs, otherwise create the job in status created. Queueing happens later,
// when the barrier commits.
func (e *Engine) handleSpawn(ctx context.Context, identity models.RunIdentity, call models.ToolCall, log *slog.Logger) (*llm.Message, *PendingJob, error) {
	task := tools.OptionalStringArg(call.Args, "task")

	job, err := e.jobs.GetByToolCallID(ctx, identity.RunID, call.ID)
	switch {
	case err == nil:
		if job.Status.Terminal() {
			return e.finishedJobMessage(job, call.ID), nil, nil
		}
		// In-flight job from a previous attempt of this same turn: carry it
		// into the interrupt again.
		return nil, &PendingJob{Job: job, ToolCallID: call.ID, Task: job.Task}, nil
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return nil, nil, fmt.Errorf("lookup worker job for tool call %s: %w", call.ID, err)
	}

	job = &models.WorkerJob{
		OwnerID:         identity.OwnerID,
		SupervisorRunID: identity.RunID,
		ToolCallID:      call.ID,
		Task:            task,
		Model:           tools.OptionalStringArg(call.Args, "model"),
		ReasoningEffort: tools.OptionalStringArg(call.Args, "reasoning_effort"),
		Status:          models.JobCreated,
	}
	if repo := tools.OptionalStringArg(call.Args, "git_repo_url"); repo != "" {
		job.Config = &models.WorkerJobConfig{GitRepoURL: repo}
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create worker job: %w", err)
	}
	log.Info("worker job created", "job_id", job.ID, "tool_call_id", call.ID)
	e.emitter.Emit(ctx, identity.RunID, events.EventWorkerSpawned, map[string]any{
		"jobId":      job.ID,
		"toolCallId": call.ID,
		"task":       task,
		"model":      job.Model,
	})
	return nil, &PendingJob{Job: job, ToolCallID: call.ID, Task: task}, nil
}

// handleWait resolves one wait_for_worker call: finished jobs answer inline,
// anything else interrupts.
func (e *Engine) handleWait(ctx context.Context, identity models.RunIdentity, call models.ToolCall) (*llm.Message, *Interrupt) {
	jobID, err := tools.StringArg(call.Args, "job_id")
	if err != nil {
		return &llm.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: tools.FormatError(err)}, nil
	}
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("worker job %s not found", jobID)
		}
		return &llm.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: tools.FormatError(err)}, nil
	}
	if job.OwnerID != identity.OwnerID {
		return &llm.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: tools.FormatError(fmt.Errorf("worker job %s not found", jobID))}, nil
	}
	if job.Status.Terminal() {
		return e.finishedJobMessage(job, call.ID), nil
	}
	return nil, &Interrupt{
		Type:       InterruptWaitForWorker,
		JobID:      job.ID,
		ToolCallID: call.ID,
		Message:    fmt.Sprintf("Waiting for worker job %s", job.ID),
	}
}

// finishedJobMessage renders a terminal job as a tool response, preferring
// the stored result artifact.
func (e *Engine) finishedJobMessage(job *models.WorkerJob, toolCallID string) *llm.Message {
	content := ""
	if job.Status == models.JobSuccess && e.results != nil {
		if data, err := e.results.Get(job.ID, artifacts.KindResult); err == nil {
			content = fmt.Sprintf("Worker job %s completed:\n\n%s", job.ID, data)
		}
	}
	if content == "" {
		switch job.Status {
		case models.JobSuccess:
			content = fmt.Sprintf("Worker job %s completed.", job.ID)
		default:
			content = fmt.Sprintf("Worker job %s %s: %s", job.ID, job.Status, job.Error)
		}
	}
	return &llm.Message{Role: models.RoleTool, ToolCallID: toolCallID, Content: content}
}
