// Package memory provides an in-memory store.Store used by unit and property
// tests. A single mutex serializes every operation, which makes the barrier
// critical sections trivially atomic, the same guarantees the postgres
// implementation gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	runs        map[string]*models.Run
	threads     map[string]*models.Thread
	messages    map[string]*models.Message
	jobs        map[string]*models.WorkerJob
	barriers    map[string]*models.WorkerBarrier // keyed by barrier ID
	barrierJobs map[string]*models.WorkerBarrierJob
	events      []*models.Event

	msgSeq   int64
	eventSeq int64
	jobSeq   int64 // tie-breaker for claims with equal CreatedAt
	jobOrder map[string]int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*models.Run),
		threads:     make(map[string]*models.Thread),
		messages:    make(map[string]*models.Message),
		jobs:        make(map[string]*models.WorkerJob),
		barriers:    make(map[string]*models.WorkerBarrier),
		barrierJobs: make(map[string]*models.WorkerBarrierJob),
		jobOrder:    make(map[string]int64),
	}
}

func (s *Store) Runs() store.RunStore         { return (*runStore)(s) }
func (s *Store) Threads() store.ThreadStore   { return (*threadStore)(s) }
func (s *Store) Jobs() store.JobStore         { return (*jobStore)(s) }
func (s *Store) Barriers() store.BarrierStore { return (*barrierStore)(s) }
func (s *Store) Events() store.EventStore     { return (*eventStore)(s) }

// --- runs ---

type runStore Store

func (s *runStore) Create(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *runStore) Get(_ context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *runStore) CASStatus(_ context.Context, id string, from, to models.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	if to == models.RunRunning && run.StartedAt == nil {
		now := time.Now()
		run.StartedAt = &now
	}
	return true, nil
}

func (s *runStore) Finish(_ context.Context, id string, status models.RunStatus, errMsg string, totalTokens *int, durationMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	// Settled runs stay settled.
	switch run.Status {
	case models.RunSuccess, models.RunFailed, models.RunCancelled:
		return false, nil
	}
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.TotalTokens = totalTokens
	run.DurationMs = &durationMs
	run.FinishedAt = &now
	return true, nil
}

func (s *runStore) SetPendingToolCall(_ context.Context, id, toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.PendingToolCallID = toolCallID
	return nil
}

func (s *runStore) RootRunID(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if run.RootRunID != "" {
		return run.RootRunID, nil
	}
	return run.ID, nil
}

func (s *runStore) ChainDepth(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for id != "" {
		run, ok := s.runs[id]
		if !ok {
			break
		}
		depth++
		id = run.ContinuationOfRunID
	}
	return depth, nil
}

// --- threads & messages ---

type threadStore Store

func (s *threadStore) FindOrCreateSupervisorThread(_ context.Context, ownerID string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.OwnerID == ownerID && t.Kind == models.ThreadKindSupervisor {
			cp := *t
			return &cp, nil
		}
	}
	now := time.Now()
	t := &models.Thread{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      models.ThreadKindSupervisor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[t.ID] = t
	cp := *t
	return &cp, nil
}

func (s *threadStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.msgSeq++
	msg.Seq = s.msgSeq
	cp := *msg
	cp.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	s.messages[msg.ID] = &cp
	return nil
}

func (s *threadStore) Messages(_ context.Context, threadID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			cp := *m
			cp.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *threadStore) ToolMessageByCallID(_ context.Context, threadID, toolCallID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.Role == models.RoleTool && m.ToolCallID == toolCallID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *threadStore) DeleteMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
	return nil
}

func (s *threadStore) MarkProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.Processed = true
		}
	}
	return nil
}

// --- worker jobs ---

type jobStore Store

func (s *jobStore) Create(_ context.Context, job *models.WorkerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobSeq++
	s.jobOrder[job.ID] = s.jobSeq
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *jobStore) Get(_ context.Context, id string) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *jobStore) GetByToolCallID(_ context.Context, supervisorRunID, toolCallID string) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.SupervisorRunID == supervisorRunID && job.ToolCallID == toolCallID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *jobStore) ListBySupervisorRun(_ context.Context, supervisorRunID string) ([]*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkerJob
	for _, job := range s.jobs {
		if job.SupervisorRunID == supervisorRunID {
			cp := *job
			out = append(out, &cp)
		}
	}
	s.sortJobs(out)
	return out, nil
}

func (s *jobStore) ClaimNextQueued(_ context.Context, claimedBy string) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*models.WorkerJob
	for _, job := range s.jobs {
		if job.Status == models.JobQueued {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	s.sortJobs(candidates)
	job := candidates[0]
	now := time.Now()
	job.Status = models.JobRunning
	job.ClaimedBy = claimedBy
	job.StartedAt = &now
	job.HeartbeatAt = &now
	cp := *job
	return &cp, nil
}

func (s *jobStore) Finish(_ context.Context, id string, status models.JobStatus, workerID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	job.Status = status
	job.WorkerID = workerID
	job.Error = errMsg
	job.FinishedAt = &now
	return nil
}

func (s *jobStore) CASStatus(_ context.Context, id string, from, to models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	return true, nil
}

func (s *jobStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	job.HeartbeatAt = &now
	return nil
}

func (s *jobStore) ListActiveByOwner(_ context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.listByOwner(ownerID, limit, func(j *models.WorkerJob) bool {
		return j.Status == models.JobQueued || j.Status == models.JobRunning
	})
}

func (s *jobStore) ListUnacknowledgedByOwner(_ context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.listByOwner(ownerID, limit, func(j *models.WorkerJob) bool {
		return j.Status.Terminal() && !j.Acknowledged
	})
}

func (s *jobStore) ListRecentAcknowledgedByOwner(_ context.Context, ownerID string, limit int) ([]*models.WorkerJob, error) {
	return s.listByOwner(ownerID, limit, func(j *models.WorkerJob) bool {
		return j.Status.Terminal() && j.Acknowledged
	})
}

func (s *jobStore) listByOwner(ownerID string, limit int, keep func(*models.WorkerJob) bool) ([]*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkerJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && keep(job) {
			cp := *job
			out = append(out, &cp)
		}
	}
	// Newest first for inbox display.
	sort.Slice(out, func(i, j int) bool { return s.jobOrder[out[i].ID] > s.jobOrder[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *jobStore) Acknowledge(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			job.Acknowledged = true
		}
	}
	return nil
}

func (s *jobStore) RequeueOrphans(_ context.Context, staleBefore time.Time, maxRetries int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued, failed := 0, 0
	for _, job := range s.jobs {
		if job.Status != models.JobRunning || job.HeartbeatAt == nil || !job.HeartbeatAt.Before(staleBefore) {
			continue
		}
		if job.RetryCount >= maxRetries {
			now := time.Now()
			job.Status = models.JobFailed
			job.Error = "exceeded max retries after repeated orphan recovery"
			job.FinishedAt = &now
			failed++
			continue
		}
		job.Status = models.JobQueued
		job.RetryCount++
		job.ClaimedBy = ""
		job.HeartbeatAt = nil
		requeued++
	}
	return requeued, failed, nil
}

func (s *jobStore) RequeueClaimedBy(_ context.Context, claimedBy string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == models.JobRunning && job.ClaimedBy == claimedBy {
			job.Status = models.JobQueued
			job.ClaimedBy = ""
			job.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (s *jobStore) FailStaleCreated(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == models.JobCreated && job.CreatedAt.Before(olderThan) {
			if s.barrierJobForJob(job.ID) != nil {
				continue
			}
			now := time.Now()
			job.Status = models.JobFailed
			job.Error = "orphaned before barrier setup completed"
			job.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *jobStore) sortJobs(jobs []*models.WorkerJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return s.jobOrder[jobs[i].ID] < s.jobOrder[jobs[j].ID]
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func (s *jobStore) barrierJobForJob(jobID string) *models.WorkerBarrierJob {
	for _, bj := range s.barrierJobs {
		if bj.JobID == jobID {
			return bj
		}
	}
	return nil
}

// --- barriers ---

type barrierStore Store

func (s *barrierStore) GetByRunID(_ context.Context, runID string) (*models.WorkerBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.barrierByRunLocked(runID)
	if b == nil {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *barrierStore) barrierByRunLocked(runID string) *models.WorkerBarrier {
	for _, b := range s.barriers {
		if b.RunID == runID {
			return b
		}
	}
	return nil
}

func (s *barrierStore) JobsByBarrier(_ context.Context, barrierID string) ([]*models.WorkerBarrierJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsByBarrierLocked(barrierID), nil
}

func (s *barrierStore) jobsByBarrierLocked(barrierID string) []*models.WorkerBarrierJob {
	var out []*models.WorkerBarrierJob
	for _, bj := range s.barrierJobs {
		if bj.BarrierID == barrierID {
			cp := *bj
			out = append(out, &cp)
		}
	}
	// Batches come back in spawn order.
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (s *barrierStore) SetStatus(_ context.Context, barrierID string, status models.BarrierStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.barriers[barrierID]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}

func (s *barrierStore) Install(_ context.Context, runID string, deadline time.Time, seeds []store.BarrierSeed) (*models.WorkerBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	b := s.barrierByRunLocked(runID)
	if b == nil {
		b = &models.WorkerBarrier{
			ID:        uuid.New().String(),
			RunID:     runID,
			CreatedAt: now,
		}
		s.barriers[b.ID] = b
	} else {
		// Reuse: stale barrier-jobs would poison the next resume.
		for id, bj := range s.barrierJobs {
			if bj.BarrierID == b.ID {
				delete(s.barrierJobs, id)
			}
		}
	}
	b.Status = models.BarrierWaiting
	b.ExpectedCount = len(seeds)
	b.CompletedCount = 0
	b.DeadlineAt = deadline
	b.UpdatedAt = now

	for i, seed := range seeds {
		bj := &models.WorkerBarrierJob{
			ID:         b.ID + "-" + pad(i),
			BarrierID:  b.ID,
			JobID:      seed.JobID,
			ToolCallID: seed.ToolCallID,
			Ordinal:    i,
			Status:     models.BarrierJobQueued,
		}
		s.barrierJobs[bj.ID] = bj
		if job, ok := s.jobs[seed.JobID]; ok && job.Status == models.JobCreated {
			job.Status = models.JobQueued
		}
	}

	cp := *b
	return &cp, nil
}

func (s *barrierStore) CompleteJob(_ context.Context, runID, jobID, result, errMsg string) (*store.BarrierOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.barrierByRunLocked(runID)
	if b == nil {
		return &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNoBarrier}, nil
	}
	if b.Status != models.BarrierWaiting {
		return &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNotWaiting, BarrierID: b.ID}, nil
	}
	var bj *models.WorkerBarrierJob
	for _, candidate := range s.barrierJobs {
		if candidate.BarrierID == b.ID && candidate.JobID == jobID {
			bj = candidate
			break
		}
	}
	if bj == nil {
		return &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonNotInBarrier, BarrierID: b.ID}, nil
	}
	if bj.Status.Terminal() {
		return &store.BarrierOutcome{Decision: store.BarrierSkipped, Reason: store.SkipReasonAlreadyRecorded, BarrierID: b.ID}, nil
	}

	now := time.Now()
	if errMsg != "" {
		bj.Status = models.BarrierJobFailed
	} else {
		bj.Status = models.BarrierJobCompleted
	}
	bj.Result = result
	bj.Error = errMsg
	bj.CompletedAt = &now

	b.CompletedCount++
	b.UpdatedAt = now

	if b.CompletedCount >= b.ExpectedCount {
		b.Status = models.BarrierResuming
		return &store.BarrierOutcome{
			Decision:  store.BarrierResume,
			Completed: b.CompletedCount,
			Expected:  b.ExpectedCount,
			BarrierID: b.ID,
			Batch:     s.jobsByBarrierLocked(b.ID),
		}, nil
	}
	return &store.BarrierOutcome{
		Decision:  store.BarrierWaiting,
		Completed: b.CompletedCount,
		Expected:  b.ExpectedCount,
		BarrierID: b.ID,
	}, nil
}

func (s *barrierStore) ReapExpired(_ context.Context, now time.Time, timeoutErr string) ([]*store.ExpiredBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.ExpiredBarrier
	for _, b := range s.barriers {
		if b.Status != models.BarrierWaiting || !b.DeadlineAt.Before(now) {
			continue
		}
		expired := &store.ExpiredBarrier{}
		for _, bj := range s.barrierJobs {
			if bj.BarrierID != b.ID || bj.Status.Terminal() {
				continue
			}
			bj.Status = models.BarrierJobTimeout
			bj.Error = timeoutErr
			ts := now
			bj.CompletedAt = &ts
			expired.TimedOutJobIDs = append(expired.TimedOutJobIDs, bj.JobID)
		}
		b.Status = models.BarrierResuming
		b.UpdatedAt = now
		cp := *b
		expired.Barrier = &cp
		expired.Batch = s.jobsByBarrierLocked(b.ID)
		out = append(out, expired)
	}
	return out, nil
}

func pad(i int) string {
	const digits = "0123456789"
	return string([]byte{digits[(i/100)%10], digits[(i/10)%10], digits[i%10]})
}

// --- events ---

type eventStore Store

func (s *eventStore) Append(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	event.ID = s.eventSeq
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	s.events = append(s.events, &cp)
	return nil
}

func (s *eventStore) ListByRootRun(_ context.Context, rootRunID string, sinceID int64, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := map[string]bool{rootRunID: true}
	for _, run := range s.runs {
		if run.RootRunID == rootRunID {
			chain[run.ID] = true
		}
	}

	var out []*models.Event
	for _, e := range s.events {
		if e.ID > sinceID && chain[e.RunID] {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *eventStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}
