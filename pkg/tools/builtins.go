package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// Delegation tool names. The engine intercepts these before normal dispatch:
// spawn_worker creates a job and interrupts, wait_for_worker interrupts on an
// existing job.
const (
	SpawnWorkerName   = "spawn_worker"
	WaitForWorkerName = "wait_for_worker"
	SearchToolsName   = "search_tools"
)

func stringSchema(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// SpawnWorkerDef is the definition advertised for spawn_worker. It has no
// handler; the engine owns its semantics.
func SpawnWorkerDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        SpawnWorkerName,
		Description: "Delegate a task to a background worker agent. Returns once the worker finishes; prefer issuing all spawns for independent tasks in a single turn so they run in parallel.",
		InputSchema: objectSchema([]string{"task"}, map[string]any{
			"task":             stringSchema("Self-contained task description for the worker"),
			"model":            stringSchema("Optional model override for the worker"),
			"reasoning_effort": stringSchema("Optional reasoning effort: low, medium or high"),
			"git_repo_url":     stringSchema("Optional repository the worker should operate on"),
		}),
	}
}

// WaitForWorkerDef is the definition advertised for wait_for_worker.
func WaitForWorkerDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        WaitForWorkerName,
		Description: "Block until a previously spawned worker job reaches a terminal state and return its result.",
		InputSchema: objectSchema([]string{"job_id"}, map[string]any{
			"job_id": stringSchema("Identifier returned by spawn_worker"),
		}),
	}
}

// NewCurrentTimeTool reports the current UTC time. now is injectable for
// tests; nil uses the wall clock.
func NewCurrentTimeTool(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return &Func{
		Def: llm.ToolDef{
			Name:        "get_current_time",
			Description: "Get the current time in UTC, RFC 3339 formatted.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return now().UTC().Format(time.RFC3339), nil
		},
	}
}

// NewReadWorkerResultTool serves a finished worker's full result artifact,
// scoped to the calling owner.
func NewReadWorkerResultTool(jobs store.JobStore, results artifacts.Store) Tool {
	return &Func{
		Def: llm.ToolDef{
			Name:        "read_worker_result",
			Description: "Read the full final output of a finished worker job.",
			InputSchema: objectSchema([]string{"job_id"}, map[string]any{
				"job_id": stringSchema("Identifier of the finished worker job"),
			}),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			jobID, err := StringArg(args, "job_id")
			if err != nil {
				return "", err
			}
			if err := checkJobOwner(ctx, jobs, jobID); err != nil {
				return "", err
			}
			content, err := results.Get(jobID, artifacts.KindResult)
			if err != nil {
				if errors.Is(err, artifacts.ErrNotFound) {
					return "", fmt.Errorf("no result artifact for job %s; the worker may still be running", jobID)
				}
				return "", err
			}
			return string(content), nil
		},
	}
}

// NewCheckWorkerStatusTool reports a worker job's current status.
func NewCheckWorkerStatusTool(jobs store.JobStore) Tool {
	return &Func{
		Def: llm.ToolDef{
			Name:        "check_worker_status",
			Description: "Check the status of a worker job by id.",
			InputSchema: objectSchema([]string{"job_id"}, map[string]any{
				"job_id": stringSchema("Identifier of the worker job"),
			}),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			jobID, err := StringArg(args, "job_id")
			if err != nil {
				return "", err
			}
			job, err := jobs.Get(ctx, jobID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return "", fmt.Errorf("worker job %s not found", jobID)
				}
				return "", err
			}
			if owner := models.IdentityFromContext(ctx).OwnerID; owner != "" && job.OwnerID != owner {
				return "", fmt.Errorf("worker job %s not found", jobID)
			}
			status := map[string]any{"job_id": job.ID, "status": string(job.Status)}
			if job.Error != "" {
				status["error"] = job.Error
			}
			if job.FinishedAt != nil {
				status["finished_at"] = job.FinishedAt.UTC().Format(time.RFC3339)
			}
			return EncodeResult(status)
		},
	}
}

// NewGetToolOutputTool dereferences [TOOL_OUTPUT:...] markers with head-tail
// truncation.
func NewGetToolOutputTool(outputs *artifacts.ToolOutputStore) Tool {
	return &Func{
		Def: llm.ToolDef{
			Name:        "get_tool_output",
			Description: "Fetch the content of a stored tool output referenced by a [TOOL_OUTPUT:...] marker.",
			InputSchema: objectSchema([]string{"artifact_id"}, map[string]any{
				"artifact_id": stringSchema("artifactId from the marker"),
			}),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := StringArg(args, "artifact_id")
			if err != nil {
				return "", err
			}
			content, err := outputs.FetchTruncated(id, 0)
			if err != nil {
				if errors.Is(err, artifacts.ErrNotFound) {
					return "", fmt.Errorf("tool output %s not found", id)
				}
				return "", err
			}
			return content, nil
		},
	}
}

// NewSearchToolsTool surfaces registry tools by keyword so the binder can
// load them on demand.
func NewSearchToolsTool(registry *Registry) Tool {
	return &Func{
		Def: llm.ToolDef{
			Name:        SearchToolsName,
			Description: "Search for additional available tools by keyword. Matched tools become callable on the next turn.",
			InputSchema: objectSchema([]string{"query"}, map[string]any{
				"query": stringSchema("Keyword to match against tool names and descriptions"),
			}),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := StringArg(args, "query")
			if err != nil {
				return "", err
			}
			return EncodeResult(map[string]any{"tools": registry.Search(query)})
		},
	}
}

// ParseSearchResult extracts the tool names from a search_tools result,
// bounded to SearchLimit.
func ParseSearchResult(result string) []string {
	var parsed struct {
		Tools []SearchHit `json:"tools"`
	}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		return nil
	}
	names := make([]string, 0, len(parsed.Tools))
	for _, hit := range parsed.Tools {
		if hit.Name == "" {
			continue
		}
		names = append(names, hit.Name)
		if len(names) == SearchLimit {
			break
		}
	}
	return names
}

func checkJobOwner(ctx context.Context, jobs store.JobStore, jobID string) error {
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("worker job %s not found", jobID)
		}
		return err
	}
	if owner := models.IdentityFromContext(ctx).OwnerID; owner != "" && job.OwnerID != owner {
		return fmt.Errorf("worker job %s not found", jobID)
	}
	return nil
}
