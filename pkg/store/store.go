// Package store defines the persistence interfaces for runs, threads, worker
// jobs, barriers, and events. Two implementations exist: postgres (pgx) for
// production and memory for tests. The barrier methods encapsulate their
// critical sections, so callers get atomicity guarantees without managing
// transactions themselves.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store aggregates the per-entity stores.
type Store interface {
	Runs() RunStore
	Threads() ThreadStore
	Jobs() JobStore
	Barriers() BarrierStore
	Events() EventStore
}

// RunStore persists supervisor runs.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	// CASStatus transitions from → to and reports whether this caller won.
	// A false return with nil error means another handler already moved the
	// run; callers abort quietly.
	CASStatus(ctx context.Context, id string, from, to models.RunStatus) (bool, error)
	// Finish records a terminal transition with its bookkeeping fields. It
	// only applies while the run is still settleable (queued, running,
	// waiting, or deferred); a false return means the run was already
	// settled, typically by a concurrent cancellation.
	Finish(ctx context.Context, id string, status models.RunStatus, errMsg string, totalTokens *int, durationMs int64) (bool, error)
	SetPendingToolCall(ctx context.Context, id, toolCallID string) error
	// RootRunID resolves the continuation-chain root for a run.
	RootRunID(ctx context.Context, id string) (string, error)
	// ChainDepth counts runs in the continuation chain ending at id.
	ChainDepth(ctx context.Context, id string) (int, error)
}

// ThreadStore persists threads and their ordered messages.
type ThreadStore interface {
	// FindOrCreateSupervisorThread returns the singleton supervisor thread
	// for an owner, creating it on first use.
	FindOrCreateSupervisorThread(ctx context.Context, ownerID string) (*models.Thread, error)
	// AppendMessage persists a message and assigns its monotonic Seq.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// Messages returns the thread's messages ordered by Seq ascending.
	Messages(ctx context.Context, threadID string) ([]*models.Message, error)
	// ToolMessageByCallID finds the tool-role message answering toolCallID,
	// or ErrNotFound. Used for idempotent resume persistence.
	ToolMessageByCallID(ctx context.Context, threadID, toolCallID string) (*models.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
	MarkProcessed(ctx context.Context, ids []string) error
}

// JobStore persists worker jobs.
type JobStore interface {
	Create(ctx context.Context, job *models.WorkerJob) error
	Get(ctx context.Context, id string) (*models.WorkerJob, error)
	// GetByToolCallID is the spawn idempotency lookup, keyed on the
	// supervisor run and the spawning tool call.
	GetByToolCallID(ctx context.Context, supervisorRunID, toolCallID string) (*models.WorkerJob, error)
	ListBySupervisorRun(ctx context.Context, supervisorRunID string) ([]*models.WorkerJob, error)
	// ClaimNextQueued atomically claims the oldest queued job for claimedBy,
	// flipping it to running and stamping started/heartbeat times. Returns
	// ErrNotFound when the queue is empty. Concurrent claimers never receive
	// the same job.
	ClaimNextQueued(ctx context.Context, claimedBy string) (*models.WorkerJob, error)
	// Finish records a terminal job transition.
	Finish(ctx context.Context, id string, status models.JobStatus, workerID, errMsg string) error
	CASStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error)
	Heartbeat(ctx context.Context, id string) error

	// Inbox queries, all owner-scoped.
	ListActiveByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error)
	ListUnacknowledgedByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error)
	ListRecentAcknowledgedByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkerJob, error)
	Acknowledge(ctx context.Context, ids []string) error

	// RequeueOrphans re-queues running jobs whose heartbeat is older than
	// staleBefore, failing jobs past maxRetries. Returns (requeued, failed).
	RequeueOrphans(ctx context.Context, staleBefore time.Time, maxRetries int) (int, int, error)
	// RequeueClaimedBy re-queues running jobs claimed by a given pod.
	// Startup cleanup after an unclean shutdown.
	RequeueClaimedBy(ctx context.Context, claimedBy string) (int, error)
	// FailStaleCreated fails `created` jobs older than olderThan that never
	// got a barrier, debris from a rolled-back spawn transaction.
	FailStaleCreated(ctx context.Context, olderThan time.Time) (int, error)
}

// BarrierSeed links one worker job into a barrier being installed.
type BarrierSeed struct {
	JobID      string
	ToolCallID string
}

// BarrierDecision classifies the outcome of a completion call.
type BarrierDecision string

const (
	// BarrierResume: this caller claimed the resume. Exactly one completion
	// per barrier generation receives it.
	BarrierResume BarrierDecision = "resume"
	// BarrierWaiting: recorded, but other workers are still outstanding.
	BarrierWaiting BarrierDecision = "waiting"
	// BarrierSkipped: the barrier is absent, not waiting, or the job is
	// already terminal. Nothing to do.
	BarrierSkipped BarrierDecision = "skipped"
)

// Skip reasons reported in BarrierOutcome.Reason.
const (
	SkipReasonNoBarrier       = "no barrier for run"
	SkipReasonNotWaiting      = "barrier not waiting"
	SkipReasonNotInBarrier    = "job not in barrier"
	SkipReasonAlreadyRecorded = "job already recorded"
)

// BarrierOutcome is the result of CompleteJob.
type BarrierOutcome struct {
	Decision  BarrierDecision
	Reason    string
	Completed int
	Expected  int
	BarrierID string
	// Batch holds every barrier-job with its cached result, populated only
	// on BarrierResume.
	Batch []*models.WorkerBarrierJob
}

// ExpiredBarrier is one deadline-expired barrier claimed by the reaper.
type ExpiredBarrier struct {
	Barrier        *models.WorkerBarrier
	Batch          []*models.WorkerBarrierJob
	TimedOutJobIDs []string
}

// BarrierStore persists worker barriers and their critical sections.
type BarrierStore interface {
	GetByRunID(ctx context.Context, runID string) (*models.WorkerBarrier, error)
	JobsByBarrier(ctx context.Context, barrierID string) ([]*models.WorkerBarrierJob, error)
	SetStatus(ctx context.Context, barrierID string, status models.BarrierStatus) error

	// Install creates or reuses the run's barrier in one transaction:
	// existing barrier-jobs are deleted, the barrier is reset to waiting with
	// expectedCount=len(seeds) and the new deadline, new barrier-jobs are
	// created, and every seeded worker job is flipped created→queued. Workers
	// can only observe their jobs after this commits.
	Install(ctx context.Context, runID string, deadline time.Time, seeds []BarrierSeed) (*models.WorkerBarrier, error)

	// CompleteJob records one worker result under the barrier row lock. If
	// the increment reaches expectedCount the barrier flips to resuming and
	// this call alone receives BarrierResume with the full batch.
	CompleteJob(ctx context.Context, runID, jobID, result, errMsg string) (*BarrierOutcome, error)

	// ReapExpired claims waiting barriers past their deadline (skipping any
	// with a contended row lock), marks incomplete barrier-jobs as timeout
	// with the given error text, flips the barriers to resuming, and returns
	// them with their batches.
	ReapExpired(ctx context.Context, now time.Time, timeoutErr string) ([]*ExpiredBarrier, error)
}

// EventStore reads the append-only event log.
type EventStore interface {
	// Append persists an event and assigns its monotonic ID. The postgres
	// publisher writes events itself (to bundle NOTIFY in the transaction);
	// Append backs the memory implementation and imports.
	Append(ctx context.Context, event *models.Event) error
	// ListByRootRun returns events for every run in the chain rooted at
	// rootRunID with id > sinceID, ordered by id, up to limit.
	ListByRootRun(ctx context.Context, rootRunID string, sinceID int64, limit int) ([]*models.Event, error)
	// DeleteOlderThan removes events created before cutoff and returns the
	// number removed. Used by the retention service.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
