package engine

import (
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
)

// InterruptType discriminates the interrupt variants.
type InterruptType string

const (
	// InterruptWorkersPending means one or more spawn_worker calls in the
	// current turn queued work that must complete externally.
	InterruptWorkersPending InterruptType = "workers_pending"
	// InterruptWaitForWorker means the model asked to block on one specific
	// already-existing worker job.
	InterruptWaitForWorker InterruptType = "wait_for_worker"
)

// PendingJob ties a worker job to the tool call that produced it.
type PendingJob struct {
	Job        *models.WorkerJob
	ToolCallID string
	Task       string
}

// Interrupt is the typed control-flow value the engine returns instead of a
// final answer when queued work must complete before the run can continue. It
// is transient transport between the engine and its orchestrator, never
// persisted.
type Interrupt struct {
	Type InterruptType

	// workers_pending fields.
	PendingJobs []PendingJob
	JobIDs      []string

	// wait_for_worker fields.
	JobID      string
	ToolCallID string
	Message    string
}

// Result is the engine's sum-typed outcome: a completed conversation or an
// interrupt. Messages always carries the full conversation including anything
// appended this invocation; the caller persists the suffix it did not supply.
type Result struct {
	Interrupt *Interrupt
	Messages  []llm.Message
	Usage     *models.TokenUsage
}

// Interrupted reports whether the engine suspended instead of completing.
func (r *Result) Interrupted() bool { return r.Interrupt != nil }
