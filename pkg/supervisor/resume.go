package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
)

// Resume race-recovery bounds: a completion can observe the barrier before
// the supervisor's WAITING transition is visible, so the CAS is retried
// briefly before concluding another resumer won.
const (
	resumeCASRetries    = 10
	resumeCASRetryDelay = 200 * time.Millisecond
)

// Resume re-enters a suspended run with a batch of worker results. Invoked
// by the barrier coordinator, exactly once per barrier generation. If the
// run already ended (DEFERRED, or a user timeout path), the results continue
// on a fresh continuation run instead.
func (s *Service) Resume(ctx context.Context, runID string, batch []*models.WorkerBarrierJob) error {
	run, err := s.store.Runs().Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s for resume: %w", runID, err)
	}
	log := s.logger.With("run_id", runID, "trace_id", run.TraceID)

	if run.Status.Terminal() {
		return s.continueRun(ctx, run, batch, log)
	}

	won, err := s.casResume(ctx, runID)
	if err != nil {
		return err
	}
	if !won {
		current, gerr := s.store.Runs().Get(ctx, runID)
		if gerr == nil && current.Status.Terminal() {
			return s.continueRun(ctx, current, batch, log)
		}
		// Another resumer won the CAS; exit quietly.
		log.Info("resume CAS lost, another handler is resuming")
		return nil
	}

	if err := s.injectBatchMessages(ctx, run, batch); err != nil {
		s.failRun(ctx, run, time.Now(), err)
		return err
	}
	if id := batchBarrierID(batch); id != "" {
		if err := s.store.Barriers().SetStatus(ctx, id, models.BarrierCompleted); err != nil {
			log.Warn("barrier close failed", "error", err)
		}
	}
	s.emitter.Emit(ctx, run.ID, events.EventSupervisorResumed, map[string]any{
		"jobIds": batchJobIDs(batch),
	})
	log.Info("supervisor resumed", "batch", len(batch))

	s.executeShielded(ctx, run, nil)
	return nil
}

// executeShielded runs the engine for a resumed or continuation run on a
// shielded context, registered so Cancel can stop it.
func (s *Service) executeShielded(ctx context.Context, run *models.Run, processedIDs []string) {
	history, err := s.loadHistory(ctx, run.ThreadID, run.OwnerID)
	if err != nil {
		s.failRun(ctx, run, time.Now(), err)
		return
	}
	bg := models.WithIdentity(context.WithoutCancel(ctx), models.RunIdentity{
		RunID: run.ID, OwnerID: run.OwnerID, TraceID: run.TraceID,
	})
	runCtx, stop := context.WithCancel(bg)
	s.active.Store(run.ID, stop)
	defer func() {
		s.active.Delete(run.ID)
		stop()
	}()
	s.executeRun(runCtx, run, run.ThreadID, history, len(history), processedIDs, time.Now())
}

// casResume moves WAITING → RUNNING with bounded retries for the
// fast-worker window where the WAITING write is not yet visible.
func (s *Service) casResume(ctx context.Context, runID string) (bool, error) {
	for attempt := 0; attempt <= resumeCASRetries; attempt++ {
		won, err := s.store.Runs().CASStatus(ctx, runID, models.RunWaiting, models.RunRunning)
		if err != nil {
			return false, fmt.Errorf("resume CAS for run %s: %w", runID, err)
		}
		if won {
			return true, nil
		}
		run, err := s.store.Runs().Get(ctx, runID)
		if err != nil {
			return false, err
		}
		// Only keep retrying while the run is still on its way to WAITING.
		if run.Status != models.RunRunning && run.Status != models.RunQueued {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(resumeCASRetryDelay):
		}
	}
	return false, nil
}

// continueRun starts a continuation run chained onto a run that already
// ended before its workers finished. The chain shares the original root so
// clients keep a single event stream.
func (s *Service) continueRun(ctx context.Context, prior *models.Run, batch []*models.WorkerBarrierJob, log *slog.Logger) error {
	depth, err := s.store.Runs().ChainDepth(ctx, prior.ID)
	if err != nil {
		return fmt.Errorf("continuation depth for run %s: %w", prior.ID, err)
	}
	// Tool responses are persisted regardless so the thread never holds an
	// unanswered tool call, even when the chain is exhausted.
	if err := s.injectBatchMessages(ctx, prior, batch); err != nil {
		return err
	}
	if id := batchBarrierID(batch); id != "" {
		if err := s.store.Barriers().SetStatus(ctx, id, models.BarrierCompleted); err != nil {
			log.Warn("barrier close failed", "error", err)
		}
	}
	if depth >= s.cfg.MaxChainDepth {
		log.Warn("continuation chain exhausted", "depth", depth, "max", s.cfg.MaxChainDepth)
		return nil
	}

	run := &models.Run{
		ID:                  uuid.New().String(),
		OwnerID:             prior.OwnerID,
		ThreadID:            prior.ThreadID,
		AgentID:             prior.AgentID,
		Status:              models.RunQueued,
		Model:               prior.Model,
		ReasoningEffort:     prior.ReasoningEffort,
		AssistantMessageID:  uuid.New().String(),
		ContinuationOfRunID: prior.ID,
		RootRunID:           prior.RootRunID,
		TraceID:             prior.TraceID,
	}
	if err := s.store.Runs().Create(ctx, run); err != nil {
		return fmt.Errorf("create continuation run: %w", err)
	}
	if _, err := s.store.Runs().CASStatus(ctx, run.ID, models.RunQueued, models.RunRunning); err != nil {
		return fmt.Errorf("start continuation run: %w", err)
	}
	log.Info("continuation run started", "continuation_run_id", run.ID, "depth", depth+1)
	s.emitter.Emit(ctx, run.ID, events.EventSupervisorStarted, map[string]any{
		"ownerId":        run.OwnerID,
		"threadId":       run.ThreadID,
		"continuationOf": prior.ID,
	})

	prompt := &models.Message{
		ID:       uuid.New().String(),
		ThreadID: run.ThreadID,
		Role:     models.RoleUser,
		Content:  RenderContinuationPrompt(batch),
		RunID:    run.ID,
		Internal: true,
	}
	if err := s.store.Threads().AppendMessage(ctx, prompt); err != nil {
		s.failRun(ctx, run, time.Now(), err)
		return fmt.Errorf("persist continuation prompt: %w", err)
	}

	s.executeShielded(ctx, run, []string{prompt.ID})
	return nil
}

// injectBatchMessages synthesizes one tool-response message per worker
// result, idempotent by toolCallId. Content preference: the cached result
// (summary or truncated output), else the error.
func (s *Service) injectBatchMessages(ctx context.Context, run *models.Run, batch []*models.WorkerBarrierJob) error {
	msgs := make([]llm.Message, 0, len(batch))
	for _, bj := range batch {
		msgs = append(msgs, llm.Message{
			Role:       models.RoleTool,
			Content:    batchJobContent(bj),
			ToolCallID: bj.ToolCallID,
		})
	}
	return s.persistNewMessages(ctx, run, run.ThreadID, msgs)
}

func batchJobContent(bj *models.WorkerBarrierJob) string {
	if bj.Result != "" {
		return fmt.Sprintf("Worker job %s completed:\n\n%s", bj.JobID, bj.Result)
	}
	if bj.Error != "" {
		return fmt.Sprintf("<tool-error> Worker job %s %s: %s", bj.JobID, bj.Status, bj.Error)
	}
	return fmt.Sprintf("Worker job %s finished with status %s.", bj.JobID, bj.Status)
}

func batchBarrierID(batch []*models.WorkerBarrierJob) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[0].BarrierID
}

func batchJobIDs(batch []*models.WorkerBarrierJob) []string {
	ids := make([]string, len(batch))
	for i, bj := range batch {
		ids[i] = bj.JobID
	}
	return ids
}
