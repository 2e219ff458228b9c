package supervisor

import (
	"fmt"
	"strings"

	"github.com/maestro-run/maestro/pkg/models"
)

// InboxMarker opens every inbox context message so stale instances can be
// found and pruned before a new one is injected. Literal, never localized.
const InboxMarker = "<!-- RECENT_WORKER_CONTEXT -->"

// supervisorPromptTemplate is re-rendered on every turn, so prompt changes
// take effect on long-lived threads without migrating stored messages.
const supervisorPromptTemplate = `You are a supervisor agent orchestrating work for %s.

You answer directly when you can, and delegate to background worker agents
with the spawn_worker tool when a task needs isolated execution or should run
in parallel. Guidance:
- Issue all spawn_worker calls for independent tasks in one turn so the
  workers run concurrently.
- Delegated work completes in the background; worker results arrive as tool
  responses. Summarize them for the user instead of repeating them verbatim.
- A "Recent worker activity" note may appear in your context. Mention newly
  completed results to the user when relevant.
- Keep final answers concise and concrete.`

// RenderSupervisorPrompt builds the supervisor system prompt for an owner.
func RenderSupervisorPrompt(ownerID string) string {
	return fmt.Sprintf(supervisorPromptTemplate, ownerID)
}

// RenderContinuationPrompt builds the internal user message that starts a
// continuation run after workers completed past the original run's lifetime.
func RenderContinuationPrompt(batch []*models.WorkerBarrierJob) string {
	var b strings.Builder
	b.WriteString("Background workers you previously spawned have finished. Their results have been attached as tool responses above. ")
	b.WriteString("Review them and produce a final message for the user.\n\nCompleted jobs:\n")
	for _, bj := range batch {
		status := string(bj.Status)
		if bj.Error != "" {
			fmt.Fprintf(&b, "- job %s: %s (%s)\n", bj.JobID, status, bj.Error)
		} else {
			fmt.Fprintf(&b, "- job %s: %s\n", bj.JobID, status)
		}
	}
	return b.String()
}
