// Package queue consumes queued worker jobs: claim, run the ReAct engine
// against the task, persist the result artifact, and hand completion to the
// barrier coordinator. Multiple pods poll the same table; FOR UPDATE SKIP
// LOCKED claiming keeps them from colliding.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
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

// workerSystemPrompt seeds each worker thread. Short and task-oriented; the
// supervisor prompt carries the orchestration instructions, workers just
// execute.
const workerSystemPrompt = `You are a worker agent executing one delegated task.
Complete the task using the tools available to you, then reply with a final,
self-contained answer. Your final message is returned verbatim to the
supervisor that delegated the task, so include everything relevant in it.
Do not ask clarifying questions; make reasonable assumptions and state them.`

// barrierResultLimit caps how much worker output is cached on the
// barrier-job row; the full text always lives in the result artifact.
const barrierResultLimit = 4000

// Config tunes the processor pool.
type Config struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// PollInterval is the idle sleep between claim attempts; a random jitter
	// of up to PollJitter is added so pods do not thundering-herd the table.
	PollInterval time.Duration
	PollJitter   time.Duration
	// HeartbeatInterval is how often a running job's heartbeat is stamped.
	HeartbeatInterval time.Duration
	// DefaultModel runs tasks that carry no model override.
	DefaultModel string
	MaxTokens    int
	// Allowlist restricts worker tool access. No spawn_worker: delegation
	// does not recurse.
	Allowlist []string
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      2 * time.Second,
		PollJitter:        500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		MaxTokens:         8192,
	}
}

// Processor claims and executes worker jobs.
type Processor struct {
	store       store.Store
	engine      *engine.Engine
	registry    *tools.Registry
	coordinator *barrier.Coordinator
	results     artifacts.Store
	outputs     *artifacts.ToolOutputStore
	summarizer  *Summarizer
	emitter     events.Emitter
	logger      *slog.Logger
	cfg         Config
	// podID identifies this process in claimed_by, so startup cleanup can
	// requeue jobs a previous incarnation died holding.
	podID string

	// Cancel registry: job_id → cancel for jobs running on this pod, so an
	// explicit cancellation takes effect immediately instead of waiting for
	// the next heartbeat poll.
	mu     sync.RWMutex
	active map[string]context.CancelFunc
}

func NewProcessor(st store.Store, eng *engine.Engine, registry *tools.Registry, coordinator *barrier.Coordinator,
	results artifacts.Store, outputs *artifacts.ToolOutputStore, summarizer *Summarizer,
	emitter events.Emitter, logger *slog.Logger, podID string, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if podID == "" {
		podID = uuid.New().String()
	}
	return &Processor{
		store: st, engine: eng, registry: registry, coordinator: coordinator,
		results: results, outputs: outputs, summarizer: summarizer,
		emitter: emitter, logger: logger, podID: podID, cfg: cfg,
		active: make(map[string]context.CancelFunc),
	}
}

// CancelJob cancels a job running on this pod. Returns false when the job is
// not here; the caller then relies on the status poll in heartbeatLoop.
func (p *Processor) CancelJob(jobID string) bool {
	p.mu.RLock()
	cancel, ok := p.active[jobID]
	p.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Processor) register(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.active[jobID] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregister(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

// PodID returns the claimed_by identity of this processor.
func (p *Processor) PodID() string { return p.podID }

// CleanupStartupOrphans requeues running jobs still claimed by this pod id,
// left over from an unclean shutdown of a previous process.
func (p *Processor) CleanupStartupOrphans(ctx context.Context) error {
	n, err := p.store.Jobs().RequeueClaimedBy(ctx, p.podID)
	if err != nil {
		return fmt.Errorf("requeue jobs from previous incarnation: %w", err)
	}
	if n > 0 {
		p.logger.Warn("requeued jobs from previous incarnation", "count", n, "pod_id", p.podID)
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight jobs have finished.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "pod_id", p.podID)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.claimLoop(ctx)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped", "pod_id", p.podID)
}

func (p *Processor) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.Jobs().ClaimNextQueued(ctx, p.podID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.logger.Error("job claim failed", "error", err)
			}
			p.sleep(ctx)
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	d := p.cfg.PollInterval
	if p.cfg.PollJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.cfg.PollJitter)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process runs one claimed job end to end. Completion is always reported to
// the barrier coordinator, success or not, so the supervisor never hangs on
// a dead worker.
func (p *Processor) process(ctx context.Context, job *models.WorkerJob) {
	workerID := uuid.New().String()
	log := p.logger.With("job_id", job.ID, "worker_id", workerID, "run_id", job.SupervisorRunID)
	log.Info("worker job started", "task_len", len(job.Task))
	started := time.Now()

	// Worker tool calls and events attribute to the supervisor run, so one
	// channel subscription observes the whole delegation tree.
	runCtx, cancel := context.WithCancel(models.WithIdentity(ctx, models.RunIdentity{
		RunID:   job.SupervisorRunID,
		OwnerID: job.OwnerID,
	}))
	defer cancel()
	p.register(job.ID, cancel)
	defer p.unregister(job.ID)

	hbDone := make(chan struct{})
	go p.heartbeatLoop(runCtx, job.ID, cancel, hbDone)

	model := job.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	result, err := p.engine.Run(runCtx, []llm.Message{
		{Role: models.RoleSystem, Content: workerSystemPrompt},
		{Role: models.RoleUser, Content: job.Task},
	}, engine.AgentConfig{
		Model:           model,
		ReasoningEffort: job.ReasoningEffort,
		MaxTokens:       p.cfg.MaxTokens,
		Binder:          tools.NewBinder(p.registry, p.cfg.Allowlist),
		ToolOutputs:     p.outputs,
	})
	cancel()
	<-hbDone
	durationMs := time.Since(started).Milliseconds()

	if err != nil {
		if cancelled, cerr := p.jobCancelled(ctx, job.ID); cerr == nil && cancelled {
			log.Info("worker job cancelled", "duration_ms", durationMs)
			p.notifyCompletion(ctx, job, "", "Worker cancelled")
			return
		}
		log.Error("worker job failed", "error", err, "duration_ms", durationMs)
		p.finish(ctx, job, models.JobFailed, workerID, err.Error(), durationMs)
		p.notifyCompletion(ctx, job, "", err.Error())
		return
	}

	finalText := lastAssistantText(result.Messages)
	summary := p.summarize(ctx, finalText)
	if aerr := p.persistArtifacts(job, workerID, finalText, summary, durationMs, result.Usage); aerr != nil {
		log.Error("artifact persistence failed", "error", aerr)
	}
	p.finish(ctx, job, models.JobSuccess, workerID, "", durationMs)
	log.Info("worker job complete", "duration_ms", durationMs, "result_len", len(finalText))

	cached := finalText
	if len(cached) > barrierResultLimit {
		cached = cached[:barrierResultLimit] + "\n... (truncated; use read_worker_result for the full output)"
	}
	if summary != "" {
		cached = summary
	}
	p.notifyCompletion(ctx, job, cached, "")
}

// heartbeatLoop stamps the job's heartbeat and doubles as the cancellation
// observer: when the job row reads cancelled, the engine context is cancelled
// and the loop aborts between iterations.
func (p *Processor) heartbeatLoop(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Jobs().Heartbeat(ctx, jobID); err != nil {
				p.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
			if cancelled, err := p.jobCancelled(ctx, jobID); err == nil && cancelled {
				p.logger.Info("cancellation observed, stopping worker", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

func (p *Processor) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := p.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == models.JobCancelled, nil
}

func (p *Processor) summarize(ctx context.Context, text string) string {
	if p.summarizer == nil || text == "" {
		return ""
	}
	summary, err := p.summarizer.Summarize(ctx, text)
	if err != nil {
		p.logger.Warn("result summarization failed", "error", err)
		return ""
	}
	return summary
}

func (p *Processor) persistArtifacts(job *models.WorkerJob, workerID, finalText, summary string, durationMs int64, usage *models.TokenUsage) error {
	if err := p.results.Put(job.ID, artifacts.KindResult, []byte(finalText)); err != nil {
		return err
	}
	return p.results.PutMetadata(job.ID, artifacts.Metadata{
		OwnerID:    job.OwnerID,
		JobID:      job.ID,
		Summary:    summary,
		DurationMs: durationMs,
		Usage:      usage,
	})
}

func (p *Processor) finish(ctx context.Context, job *models.WorkerJob, status models.JobStatus, workerID, errMsg string, durationMs int64) {
	if err := p.store.Jobs().Finish(ctx, job.ID, status, workerID, errMsg); err != nil {
		p.logger.Error("job finish update failed", "job_id", job.ID, "error", err)
	}
	p.emitter.Emit(ctx, job.SupervisorRunID, events.EventWorkerComplete, map[string]any{
		"jobId":      job.ID,
		"workerId":   workerID,
		"status":     string(status),
		"durationMs": durationMs,
		"error":      errMsg,
	})
}

// notifyCompletion reports the result to the barrier coordinator. Uses the
// background-ish parent ctx, not the per-job ctx: a cancelled worker must
// still unblock its barrier.
func (p *Processor) notifyCompletion(ctx context.Context, job *models.WorkerJob, result, errMsg string) {
	if _, err := p.coordinator.Complete(ctx, job.SupervisorRunID, job.ID, result, errMsg); err != nil {
		p.logger.Error("barrier completion failed", "job_id", job.ID, "run_id", job.SupervisorRunID, "error", err)
	}
}

func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
