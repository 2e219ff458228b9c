package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store/memory"
)

func ownerCtx(ownerID string) context.Context {
	return models.WithIdentity(context.Background(), models.RunIdentity{
		RunID:   "run-1",
		OwnerID: ownerID,
	})
}

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool := NewCurrentTimeTool(func() time.Time { return fixed })

	got, err := tool.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:26:53Z", got)
}

func TestReadWorkerResultTool(t *testing.T) {
	st := memory.New()
	results, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)

	job := &models.WorkerJob{OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: "tc", Status: models.JobSuccess}
	require.NoError(t, st.Jobs().Create(context.Background(), job))
	require.NoError(t, results.Put(job.ID, artifacts.KindResult, []byte("full worker output")))

	tool := NewReadWorkerResultTool(st.Jobs(), results)

	got, err := tool.Invoke(ownerCtx("owner-1"), map[string]any{"job_id": job.ID})
	require.NoError(t, err)
	assert.Equal(t, "full worker output", got)

	// Another owner's job reads as not found, never as forbidden.
	_, err = tool.Invoke(ownerCtx("intruder"), map[string]any{"job_id": job.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = tool.Invoke(ownerCtx("owner-1"), map[string]any{"job_id": "missing"})
	assert.Error(t, err)
}

func TestReadWorkerResultToolNoArtifactYet(t *testing.T) {
	st := memory.New()
	results, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)

	job := &models.WorkerJob{OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: "tc", Status: models.JobRunning}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	tool := NewReadWorkerResultTool(st.Jobs(), results)
	_, err = tool.Invoke(ownerCtx("owner-1"), map[string]any{"job_id": job.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still be running")
}

func TestCheckWorkerStatusTool(t *testing.T) {
	st := memory.New()
	job := &models.WorkerJob{OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: "tc",
		Status: models.JobFailed, Error: "timed out"}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	tool := NewCheckWorkerStatusTool(st.Jobs())
	got, err := tool.Invoke(ownerCtx("owner-1"), map[string]any{"job_id": job.ID})
	require.NoError(t, err)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &status))
	assert.Equal(t, "failed", status["status"])
	assert.Equal(t, "timed out", status["error"])

	_, err = tool.Invoke(ownerCtx("intruder"), map[string]any{"job_id": job.ID})
	assert.Error(t, err)
}

func TestGetToolOutputTool(t *testing.T) {
	outputs, err := artifacts.NewToolOutputStore(t.TempDir())
	require.NoError(t, err)

	id, err := outputs.Save([]byte(strings.Repeat("data ", 100)))
	require.NoError(t, err)

	tool := NewGetToolOutputTool(outputs)
	got, err := tool.Invoke(context.Background(), map[string]any{"artifact_id": id})
	require.NoError(t, err)
	assert.Contains(t, got, "data")

	_, err = tool.Invoke(context.Background(), map[string]any{"artifact_id": "00000000-0000-0000-0000-000000000000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSearchToolsTool(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(namedTool("http_get", "Fetch a URL"))
	tool := NewSearchToolsTool(r)

	got, err := tool.Invoke(context.Background(), map[string]any{"query": "url"})
	require.NoError(t, err)
	assert.Equal(t, []string{"http_get"}, ParseSearchResult(got))
}

func TestDelegationDefsHaveNoHandlers(t *testing.T) {
	spawn := SpawnWorkerDef()
	assert.Equal(t, SpawnWorkerName, spawn.Name)
	assert.Contains(t, spawn.InputSchema["required"], "task")

	wait := WaitForWorkerDef()
	assert.Equal(t, WaitForWorkerName, wait.Name)
	assert.Contains(t, wait.InputSchema["required"], "job_id")
}
