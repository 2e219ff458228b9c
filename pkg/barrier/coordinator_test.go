package barrier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/store/memory"
)

// recordingResumer captures every Resume dispatch.
type recordingResumer struct {
	mu      sync.Mutex
	resumes []resume
}

type resume struct {
	runID string
	batch []*models.WorkerBarrierJob
}

func (r *recordingResumer) Resume(_ context.Context, runID string, batch []*models.WorkerBarrierJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, resume{runID: runID, batch: batch})
	return nil
}

func (r *recordingResumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resumes)
}

func seedJobs(t rapid.TB, st store.Store, runID string, n int) []store.BarrierSeed {
	t.Helper()
	seeds := make([]store.BarrierSeed, n)
	for i := range seeds {
		job := &models.WorkerJob{
			OwnerID:         "owner-1",
			SupervisorRunID: runID,
			ToolCallID:      fmt.Sprintf("tc-%d", i),
			Task:            fmt.Sprintf("task %d", i),
			Status:          models.JobCreated,
		}
		require.NoError(t, st.Jobs().Create(context.Background(), job))
		seeds[i] = store.BarrierSeed{JobID: job.ID, ToolCallID: job.ToolCallID}
	}
	return seeds
}

func fastConfig() Config {
	return Config{
		Timeout:        time.Minute,
		RaceRetries:    2,
		RaceRetryDelay: time.Millisecond,
	}
}

func TestInstallRequiresSeeds(t *testing.T) {
	c := NewCoordinator(memory.New(), &recordingResumer{}, nil, fastConfig())
	_, err := c.Install(context.Background(), "run-1", nil)
	assert.Error(t, err)
}

func TestInstallFlipsJobsToQueued(t *testing.T) {
	st := memory.New()
	c := NewCoordinator(st, &recordingResumer{}, nil, fastConfig())
	seeds := seedJobs(t, st, "run-1", 2)

	b, err := c.Install(context.Background(), "run-1", seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ExpectedCount)
	assert.Equal(t, models.BarrierWaiting, b.Status)

	for _, seed := range seeds {
		job, err := st.Jobs().Get(context.Background(), seed.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, job.Status)
	}
}

func TestCompleteLastWorkerTriggersResume(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, fastConfig())
	seeds := seedJobs(t, st, "run-1", 3)
	_, err := c.Install(context.Background(), "run-1", seeds)
	require.NoError(t, err)

	for i, seed := range seeds[:2] {
		outcome, err := c.Complete(context.Background(), "run-1", seed.JobID, fmt.Sprintf("result %d", i), "")
		require.NoError(t, err)
		assert.Equal(t, store.BarrierWaiting, outcome.Decision)
	}
	assert.Zero(t, resumer.count())

	outcome, err := c.Complete(context.Background(), "run-1", seeds[2].JobID, "result 2", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierResume, outcome.Decision)
	require.Equal(t, 1, resumer.count())
	assert.Equal(t, "run-1", resumer.resumes[0].runID)
	assert.Len(t, resumer.resumes[0].batch, 3)
}

func TestCompleteCachesErrorResults(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, fastConfig())
	seeds := seedJobs(t, st, "run-1", 1)
	_, err := c.Install(context.Background(), "run-1", seeds)
	require.NoError(t, err)

	outcome, err := c.Complete(context.Background(), "run-1", seeds[0].JobID, "", "worker exploded")
	require.NoError(t, err)
	require.Equal(t, store.BarrierResume, outcome.Decision)
	assert.Equal(t, "worker exploded", outcome.Batch[0].Error)
	assert.Equal(t, models.BarrierJobFailed, outcome.Batch[0].Status)
}

func TestCompleteDuplicateIsSkipped(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, fastConfig())
	seeds := seedJobs(t, st, "run-1", 2)
	_, err := c.Install(context.Background(), "run-1", seeds)
	require.NoError(t, err)

	first, err := c.Complete(context.Background(), "run-1", seeds[0].JobID, "r", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierWaiting, first.Decision)

	dup, err := c.Complete(context.Background(), "run-1", seeds[0].JobID, "r again", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierSkipped, dup.Decision)
	assert.Equal(t, store.SkipReasonAlreadyRecorded, dup.Reason)
}

func TestCompleteWithoutBarrierGivesUpAfterRetries(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, fastConfig())
	seeds := seedJobs(t, st, "run-1", 1)

	outcome, err := c.Complete(context.Background(), "run-1", seeds[0].JobID, "r", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierSkipped, outcome.Decision)
	assert.Equal(t, store.SkipReasonNoBarrier, outcome.Reason)
	assert.Zero(t, resumer.count())
}

func TestCompleteRecoversFromFastWorkerRace(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, Config{
		Timeout:        time.Minute,
		RaceRetries:    50,
		RaceRetryDelay: 5 * time.Millisecond,
	})
	seeds := seedJobs(t, st, "run-1", 1)

	// Install lands shortly after the worker reports done.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = c.Install(context.Background(), "run-1", seeds)
	}()

	outcome, err := c.Complete(context.Background(), "run-1", seeds[0].JobID, "r", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierResume, outcome.Decision)
	assert.Equal(t, 1, resumer.count())
}

func TestReinstallResetsGeneration(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	c := NewCoordinator(st, resumer, nil, fastConfig())

	seeds1 := seedJobs(t, st, "run-1", 1)
	_, err := c.Install(context.Background(), "run-1", seeds1)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "run-1", seeds1[0].JobID, "r1", "")
	require.NoError(t, err)
	require.Equal(t, 1, resumer.count())

	// A later turn of the same run interrupts again: the barrier row is
	// reused with fresh counters.
	seeds2 := seedJobs(t, st, "run-1", 2)
	b, err := c.Install(context.Background(), "run-1", seeds2)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ExpectedCount)
	assert.Equal(t, 0, b.CompletedCount)

	// The old generation's job cannot complete into the new one.
	outcome, err := c.Complete(context.Background(), "run-1", seeds1[0].JobID, "late", "")
	require.NoError(t, err)
	assert.Equal(t, store.BarrierSkipped, outcome.Decision)
}

// TestExactlyOnceResumeProperty drives random barrier sizes with concurrent
// completions and duplicate deliveries, asserting that every generation
// resumes exactly once with the full batch.
func TestExactlyOnceResumeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := memory.New()
		resumer := &recordingResumer{}
		c := NewCoordinator(st, resumer, nil, fastConfig())

		n := rapid.IntRange(1, 8).Draw(t, "workers")
		dupFactor := rapid.IntRange(1, 3).Draw(t, "duplicates")
		seeds := seedJobs(t, st, "run-p", n)
		_, err := c.Install(context.Background(), "run-p", seeds)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for d := 0; d < dupFactor; d++ {
			for i, seed := range seeds {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Complete(context.Background(), "run-p", seed.JobID, fmt.Sprintf("r%d", i), "")
					assert.NoError(t, err)
				}()
			}
		}
		wg.Wait()

		require.Equal(t, 1, resumer.count(), "exactly one resume per generation")
		assert.Len(t, resumer.resumes[0].batch, n)

		b, err := st.Barriers().GetByRunID(context.Background(), "run-p")
		require.NoError(t, err)
		assert.Equal(t, n, b.CompletedCount)
	})
}

func TestReaperTimesOutExpiredBarrier(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	cfg := Config{
		Timeout:          -time.Second, // deadline already in the past
		ReapInterval:     time.Minute,
		CreatedOrphanAge: time.Hour,
		RaceRetries:      1,
		RaceRetryDelay:   time.Millisecond,
	}
	c := NewCoordinator(st, resumer, nil, cfg)
	r := NewReaper(st, c, nil, cfg)

	seeds := seedJobs(t, st, "run-1", 2)
	_, err := st.Barriers().Install(context.Background(), "run-1", time.Now().Add(-time.Second), seeds)
	require.NoError(t, err)

	// One worker finished in time, the other never reported.
	_, err = c.Complete(context.Background(), "run-1", seeds[0].JobID, "partial result", "")
	require.NoError(t, err)

	r.ReapOnce(context.Background())

	require.Equal(t, 1, resumer.count())
	batch := resumer.resumes[0].batch
	require.Len(t, batch, 2)

	byJob := map[string]*models.WorkerBarrierJob{}
	for _, bj := range batch {
		byJob[bj.JobID] = bj
	}
	assert.Equal(t, models.BarrierJobCompleted, byJob[seeds[0].JobID].Status)
	assert.Equal(t, "partial result", byJob[seeds[0].JobID].Result)
	assert.Equal(t, models.BarrierJobTimeout, byJob[seeds[1].JobID].Status)
	assert.Equal(t, "Worker timed out", byJob[seeds[1].JobID].Error)

	// The straggler job itself flips to timeout.
	job, err := st.Jobs().Get(context.Background(), seeds[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTimeout, job.Status)
}

func TestReaperFailsStaleCreatedJobs(t *testing.T) {
	st := memory.New()
	resumer := &recordingResumer{}
	cfg := Config{Timeout: time.Minute, ReapInterval: time.Minute, CreatedOrphanAge: time.Millisecond,
		RaceRetries: 1, RaceRetryDelay: time.Millisecond}
	c := NewCoordinator(st, resumer, nil, cfg)
	r := NewReaper(st, c, nil, cfg)

	job := &models.WorkerJob{
		OwnerID:         "owner-1",
		SupervisorRunID: "run-1",
		ToolCallID:      "tc",
		Status:          models.JobCreated,
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	r.ReapOnce(context.Background())

	got, err := st.Jobs().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}
