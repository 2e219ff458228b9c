package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/barrier"
	"github.com/maestro-run/maestro/pkg/engine"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/store/memory"
	"github.com/maestro-run/maestro/pkg/tools"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*models.WorkerBarrierJob
}

func (r *batchRecorder) Resume(_ context.Context, _ string, batch []*models.WorkerBarrierJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *batchRecorder) batch(i int) []*models.WorkerBarrierJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

type processorFixture struct {
	store       *memory.Store
	client      *llm.ScriptedClient
	coordinator *barrier.Coordinator
	resumer     *batchRecorder
	results     *artifacts.FSStore
	processor   *Processor
}

func newProcessorFixture(t *testing.T, entries ...*llm.ScriptEntry) *processorFixture {
	t.Helper()
	st := memory.New()
	client := llm.NewScriptedClient(entries...)
	results, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	outputs, err := artifacts.NewToolOutputStore(t.TempDir())
	require.NoError(t, err)

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewCurrentTimeTool(nil))

	eng := engine.New(client, st.Jobs(), results, nil, nil, engine.Config{})
	resumer := &batchRecorder{}
	coordinator := barrier.NewCoordinator(st, resumer, nil, barrier.Config{
		Timeout:        time.Minute,
		RaceRetries:    3,
		RaceRetryDelay: time.Millisecond,
	})

	p := NewProcessor(st, eng, registry, coordinator, results, outputs, nil, nil, nil, "pod-test", Config{
		Workers:           1,
		PollInterval:      2 * time.Millisecond,
		PollJitter:        time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		DefaultModel:      "test-model",
		Allowlist:         []string{"get_current_time"},
	})
	return &processorFixture{store: st, client: client, coordinator: coordinator, resumer: resumer, results: results, processor: p}
}

// queueJob creates a job and installs its barrier, leaving the job queued and
// ready for a claim loop to pick up.
func (f *processorFixture) queueJob(t *testing.T, task string) *models.WorkerJob {
	t.Helper()
	job := &models.WorkerJob{
		OwnerID:         "owner-1",
		SupervisorRunID: "run-1",
		ToolCallID:      "tc-1",
		Task:            task,
		Status:          models.JobCreated,
	}
	require.NoError(t, f.store.Jobs().Create(context.Background(), job))
	_, err := f.coordinator.Install(context.Background(), "run-1",
		[]store.BarrierSeed{{JobID: job.ID, ToolCallID: job.ToolCallID}})
	require.NoError(t, err)
	return job
}

// runPool starts the worker pool and returns a stop func that blocks until
// the pool drains.
func (f *processorFixture) runPool(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.processor.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker pool did not drain")
		}
	}
}

func TestProcessorRunsJobEndToEnd(t *testing.T) {
	f := newProcessorFixture(t, &llm.ScriptEntry{Response: llm.TextResponse("worker findings")})
	job := f.queueJob(t, "inspect the cluster")
	stop := f.runPool(t)
	defer stop()

	assert.Eventually(t, func() bool { return f.resumer.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	got, err := f.store.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, got.Status)
	assert.Equal(t, "pod-test", got.ClaimedBy)
	assert.NotEmpty(t, got.WorkerID)
	require.NotNil(t, got.FinishedAt)

	// The full result lands in the artifact store, keyed by job id.
	content, err := f.results.Get(job.ID, artifacts.KindResult)
	require.NoError(t, err)
	assert.Equal(t, "worker findings", string(content))
	md, err := f.results.GetMetadata(job.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, md.JobID)
	require.NotNil(t, md.Usage)
	assert.Equal(t, 15, md.Usage.TotalTokens)

	batch := f.resumer.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, models.BarrierJobCompleted, batch[0].Status)
	assert.Equal(t, "worker findings", batch[0].Result)

	// The worker conversation is seeded with the task and runs on the
	// default model.
	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Model)
	assert.Equal(t, "inspect the cluster", calls[0].Messages[1].Content)
}

func TestProcessorTruncatesCachedResult(t *testing.T) {
	long := strings.Repeat("x", barrierResultLimit+500)
	f := newProcessorFixture(t, &llm.ScriptEntry{Response: llm.TextResponse(long)})
	job := f.queueJob(t, "produce a lot of output")
	stop := f.runPool(t)
	defer stop()

	assert.Eventually(t, func() bool { return f.resumer.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	batch := f.resumer.batch(0)
	require.Len(t, batch, 1)
	assert.Less(t, len(batch[0].Result), len(long))
	assert.Contains(t, batch[0].Result, "read_worker_result")

	content, err := f.results.Get(job.ID, artifacts.KindResult)
	require.NoError(t, err)
	assert.Len(t, content, len(long), "artifact keeps the untruncated text")
}

func TestProcessorReportsFailureToBarrier(t *testing.T) {
	f := newProcessorFixture(t, &llm.ScriptEntry{Err: errors.New("model unavailable")})
	job := f.queueJob(t, "doomed task")
	stop := f.runPool(t)
	defer stop()

	assert.Eventually(t, func() bool { return f.resumer.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	got, err := f.store.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "model unavailable")

	batch := f.resumer.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, models.BarrierJobFailed, batch[0].Status)
	assert.Contains(t, batch[0].Error, "model unavailable")
}

func TestProcessorObservesCancellation(t *testing.T) {
	block := make(chan struct{})
	f := newProcessorFixture(t, &llm.ScriptEntry{Block: block, Response: llm.TextResponse("never delivered")})
	job := f.queueJob(t, "slow task")
	stop := f.runPool(t)
	defer stop()
	defer close(block)

	assert.Eventually(t, func() bool {
		got, err := f.store.Jobs().Get(context.Background(), job.ID)
		return err == nil && got.Status == models.JobRunning
	}, 5*time.Second, 2*time.Millisecond)

	// An external cancel flips the row; the heartbeat loop notices and kills
	// the in-flight model call.
	ok, err := f.store.Jobs().CASStatus(context.Background(), job.ID, models.JobRunning, models.JobCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool { return f.resumer.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	got, err := f.store.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status, "cancelled jobs are not overwritten by finish")

	batch := f.resumer.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, "Worker cancelled", batch[0].Error)
}

func TestCancelJobOnlyKnowsLocalJobs(t *testing.T) {
	f := newProcessorFixture(t)
	assert.False(t, f.processor.CancelJob("not-running-here"))
}

func TestCleanupStartupOrphans(t *testing.T) {
	f := newProcessorFixture(t)
	job := f.queueJob(t, "interrupted by a crash")

	claimed, err := f.store.Jobs().ClaimNextQueued(context.Background(), "pod-test")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	require.NoError(t, f.processor.CleanupStartupOrphans(context.Background()))

	got, err := f.store.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestSummarizerShortTextPassesThrough(t *testing.T) {
	client := llm.NewScriptedClient()
	s := NewSummarizer(client, "summary-model")

	got, err := s.Summarize(context.Background(), "  short result  ")
	require.NoError(t, err)
	assert.Equal(t, "short result", got)
	assert.Empty(t, client.Calls(), "short text never reaches the model")
}

func TestSummarizerLongTextCallsModel(t *testing.T) {
	client := llm.NewScriptedClient(&llm.ScriptEntry{Response: llm.TextResponse("three regressions found")})
	s := NewSummarizer(client, "summary-model")

	long := strings.Repeat("lengthy worker output. ", 50)
	got, err := s.Summarize(context.Background(), long)
	require.NoError(t, err)
	assert.Equal(t, "three regressions found", got)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "summary-model", calls[0].Model)
	assert.Equal(t, llm.ToolChoiceNone, calls[0].ToolChoice)
	assert.Equal(t, long, calls[0].Messages[1].Content)
}

func TestSummarizerPropagatesModelErrors(t *testing.T) {
	client := llm.NewScriptedClient(&llm.ScriptEntry{Err: errors.New("rate limited")})
	s := NewSummarizer(client, "summary-model")

	_, err := s.Summarize(context.Background(), strings.Repeat("x", summaryThreshold+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOrphanDetectorRequeuesStaleJobs(t *testing.T) {
	st := memory.New()
	d := NewOrphanDetector(st, nil, OrphanConfig{Threshold: time.Minute, ScanInterval: time.Minute, MaxRetries: 3})

	stale := time.Now().Add(-5 * time.Minute)
	fresh := time.Now()
	mk := func(toolCall string, hb time.Time, retries int) *models.WorkerJob {
		job := &models.WorkerJob{
			OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: toolCall,
			Status: models.JobRunning, ClaimedBy: "dead-pod",
			HeartbeatAt: &hb, RetryCount: retries,
		}
		require.NoError(t, st.Jobs().Create(context.Background(), job))
		return job
	}
	orphan := mk("tc-1", stale, 0)
	exhausted := mk("tc-2", stale, 3)
	healthy := mk("tc-3", fresh, 0)

	d.ScanOnce(context.Background())

	got, err := st.Jobs().Get(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)

	got, err = st.Jobs().Get(context.Background(), exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "max retries")

	got, err = st.Jobs().Get(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestProcessorDefaultsApplied(t *testing.T) {
	p := NewProcessor(memory.New(), nil, nil, nil, nil, nil, nil, nil, nil, "", Config{})
	def := DefaultConfig()
	assert.Equal(t, def.Workers, p.cfg.Workers)
	assert.Equal(t, def.PollInterval, p.cfg.PollInterval)
	assert.NotEmpty(t, p.PodID(), "pod id is generated when unset")
}

func TestLastAssistantTextSkipsToolTurns(t *testing.T) {
	msgs := []llm.Message{
		{Role: models.RoleUser, Content: "task"},
		{Role: models.RoleAssistant, Content: "thinking", ToolCalls: []models.ToolCall{{ID: "tc"}}},
		{Role: models.RoleTool, Content: "tool output", ToolCallID: "tc"},
		{Role: models.RoleAssistant, Content: "final answer"},
	}
	assert.Equal(t, "final answer", lastAssistantText(msgs))
	assert.Empty(t, lastAssistantText(nil))
	assert.Empty(t, lastAssistantText([]llm.Message{{Role: models.RoleUser, Content: "x"}}))
}
