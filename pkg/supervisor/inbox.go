package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// Inbox section limits.
const (
	inboxActiveLimit       = 5
	inboxUnreadLimit       = 5
	inboxAcknowledgedLimit = 3
	// inboxStaleAfter is how old a prior inbox message must be before
	// pruning; anything fresher belongs to a concurrent in-flight request.
	inboxStaleAfter = 5 * time.Second
	// inboxSummaryLimit truncates per-job summaries in the inbox.
	inboxSummaryLimit = 300
)

// InboxContext is a rendered inbox message plus the jobs it surfaced.
// AckJobIDs must be acknowledged only after the message is durably
// persisted, so an item is never marked read unless the supervisor saw it.
type InboxContext struct {
	Content   string
	AckJobIDs []string
}

// InboxBuilder renders the "recent worker activity" system message injected
// ahead of each supervisor turn.
type InboxBuilder struct {
	jobs    store.JobStore
	threads store.ThreadStore
	results artifacts.Store
	now     func() time.Time
}

func NewInboxBuilder(jobs store.JobStore, threads store.ThreadStore, results artifacts.Store) *InboxBuilder {
	return &InboxBuilder{jobs: jobs, threads: threads, results: results, now: time.Now}
}

// Build returns the inbox context for an owner, or nil when there is nothing
// to report.
func (b *InboxBuilder) Build(ctx context.Context, ownerID string) (*InboxContext, error) {
	active, err := b.jobs.ListActiveByOwner(ctx, ownerID, inboxActiveLimit)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	unread, err := b.jobs.ListUnacknowledgedByOwner(ctx, ownerID, inboxUnreadLimit)
	if err != nil {
		return nil, fmt.Errorf("list unread jobs: %w", err)
	}
	recent, err := b.jobs.ListRecentAcknowledgedByOwner(ctx, ownerID, inboxAcknowledgedLimit)
	if err != nil {
		return nil, fmt.Errorf("list acknowledged jobs: %w", err)
	}
	if len(active) == 0 && len(unread) == 0 && len(recent) == 0 {
		return nil, nil
	}

	now := b.now().UTC()
	var sb strings.Builder
	sb.WriteString(InboxMarker)
	sb.WriteString("\nRecent worker activity:\n")

	if len(active) > 0 {
		sb.WriteString("\nActive workers:\n")
		for _, job := range active {
			elapsed := "not started"
			if job.StartedAt != nil {
				elapsed = now.Sub(*job.StartedAt).Round(time.Second).String() + " elapsed"
			}
			fmt.Fprintf(&sb, "- job %s (%s, %s): %s\n", job.ID, job.Status, elapsed, truncate(job.Task, inboxSummaryLimit))
		}
	}

	var ack []string
	if len(unread) > 0 {
		sb.WriteString("\nUnread results:\n")
		for _, job := range unread {
			fmt.Fprintf(&sb, "- job %s (%s): %s\n", job.ID, job.Status, b.jobSummary(job))
			ack = append(ack, job.ID)
		}
		sb.WriteString("\nUse read_worker_result with a job id for any full output you need.\n")
	}

	if len(recent) > 0 {
		sb.WriteString("\nPreviously seen results:\n")
		for _, job := range recent {
			fmt.Fprintf(&sb, "- job %s (%s): %s\n", job.ID, job.Status, truncate(job.Task, inboxSummaryLimit))
		}
	}

	return &InboxContext{Content: sb.String(), AckJobIDs: ack}, nil
}

// jobSummary prefers the artifact metadata summary, falling back to the
// job's error or task.
func (b *InboxBuilder) jobSummary(job *models.WorkerJob) string {
	if md, err := b.results.GetMetadata(job.ID, job.OwnerID); err == nil && md.Summary != "" {
		return truncate(md.Summary, inboxSummaryLimit)
	}
	if job.Error != "" {
		return truncate(job.Error, inboxSummaryLimit)
	}
	return truncate(job.Task, inboxSummaryLimit)
}

// PruneStale deletes prior inbox messages from the thread, keeping the
// newest one when it is fresher than the staleness threshold.
func (b *InboxBuilder) PruneStale(ctx context.Context, threadID string) error {
	msgs, err := b.threads.Messages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread messages: %w", err)
	}
	var inbox []*models.Message
	for _, m := range msgs {
		if m.Role == models.RoleSystem && strings.HasPrefix(m.Content, InboxMarker) {
			inbox = append(inbox, m)
		}
	}
	if len(inbox) == 0 {
		return nil
	}
	cutoff := b.now().UTC().Add(-inboxStaleAfter)
	newest := inbox[len(inbox)-1]
	var ids []string
	for _, m := range inbox[:len(inbox)-1] {
		ids = append(ids, m.ID)
	}
	if newest.CreatedAt.Before(cutoff) {
		ids = append(ids, newest.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.threads.DeleteMessages(ctx, ids); err != nil {
		return fmt.Errorf("prune inbox messages: %w", err)
	}
	return nil
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
