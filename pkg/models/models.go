// Package models defines the persisted domain types shared across the store,
// engine, queue, and supervisor packages.
package models

import (
	"time"
)

// RunStatus is the lifecycle status of a supervisor run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunDeferred  RunStatus = "deferred"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions from
// outside the run's own engine task. DEFERRED counts as terminal here: a
// worker completion arriving after deferral continues on a continuation run.
// The deferred run's still-executing engine task may yet finish it normally.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunDeferred:
		return true
	}
	return false
}

// Run is one execution of a supervisor agent on its thread: a user turn or a
// continuation of one. AssistantMessageID is allocated once per run and kept
// stable across interrupt/resume so clients can correlate streamed tokens.
type Run struct {
	ID                  string
	OwnerID             string
	ThreadID            string
	AgentID             string
	Status              RunStatus
	Model               string
	ReasoningEffort     string
	AssistantMessageID  string
	PendingToolCallID   string
	ContinuationOfRunID string
	RootRunID           string
	TraceID             string
	Error               string
	TotalTokens         *int
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	DurationMs          *int64
}

// MessageRole is the conversational role of a thread message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry in a thread's conversation. Seq is the monotonic
// insertion id; ordering within a thread is by Seq, never by timestamp.
// Internal messages are fed to the model but hidden from user history.
type Message struct {
	ID         string
	ThreadID   string
	Seq        int64
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	RunID      string
	Processed  bool
	Internal   bool
	CreatedAt  time.Time
}

// Thread is the long-lived per-owner supervisor conversation. Exactly one
// supervisor thread exists per owner.
type Thread struct {
	ID        string
	OwnerID   string
	Kind      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ThreadKindSupervisor marks the singleton per-owner supervisor thread.
const ThreadKindSupervisor = "supervisor"

// JobStatus is the lifecycle status of a worker job.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether the job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// WorkerJobConfig carries optional workspace-mode settings for a job.
type WorkerJobConfig struct {
	GitRepoURL      string `json:"git_repo_url,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// WorkerJob is one delegated sub-task spawned by a supervisor run. ToolCallID
// is the idempotency key: the same (SupervisorRunID, ToolCallID) pair always
// maps to the same job. Jobs are created in status `created` and flipped to
// `queued` only once their barrier is committed.
type WorkerJob struct {
	ID              string
	OwnerID         string
	SupervisorRunID string
	ToolCallID      string
	Task            string
	Model           string
	ReasoningEffort string
	Status          JobStatus
	WorkerID        string
	Error           string
	Config          *WorkerJobConfig
	ClaimedBy       string
	Acknowledged    bool
	RetryCount      int
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	HeartbeatAt     *time.Time
}

// BarrierStatus is the lifecycle status of a worker barrier.
type BarrierStatus string

const (
	BarrierWaiting   BarrierStatus = "waiting"
	BarrierResuming  BarrierStatus = "resuming"
	BarrierCompleted BarrierStatus = "completed"
	BarrierFailed    BarrierStatus = "failed"
)

// WorkerBarrier synchronizes N worker completions onto a single supervisor
// resume. One barrier per run; the waiting→resuming transition under a row
// lock is the only path that may trigger a resume.
type WorkerBarrier struct {
	ID             string
	RunID          string
	ExpectedCount  int
	CompletedCount int
	Status         BarrierStatus
	DeadlineAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BarrierJobStatus is the lifecycle status of a barrier-job association.
type BarrierJobStatus string

const (
	BarrierJobCreated   BarrierJobStatus = "created"
	BarrierJobQueued    BarrierJobStatus = "queued"
	BarrierJobCompleted BarrierJobStatus = "completed"
	BarrierJobFailed    BarrierJobStatus = "failed"
	BarrierJobTimeout   BarrierJobStatus = "timeout"
)

// Terminal reports whether the barrier-job status admits no further updates.
func (s BarrierJobStatus) Terminal() bool {
	switch s {
	case BarrierJobCompleted, BarrierJobFailed, BarrierJobTimeout:
		return true
	}
	return false
}

// WorkerBarrierJob joins a barrier to one worker job and caches the result
// that will be synthesized into a tool message on resume. Unique per
// (BarrierID, JobID).
type WorkerBarrierJob struct {
	ID         string
	BarrierID  string
	JobID      string
	ToolCallID string
	// Ordinal is the tool call's position in the spawning assistant turn.
	// Batch delivery preserves it.
	Ordinal     int
	Status      BarrierJobStatus
	Result      string
	Error       string
	CompletedAt *time.Time
}

// Event is one entry in the append-only per-run event log. ID is monotonic
// across the table so catch-up by last-seen id is total-ordered.
type Event struct {
	ID        int64
	RunID     string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// TokenUsage is accumulated model token consumption for a run or a single
// model call. A nil *TokenUsage means no usage was ever reported, which is
// distinct from a reported zero.
type TokenUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *TokenUsage) Add(u2 TokenUsage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
	u.ReasoningTokens += u2.ReasoningTokens
}
