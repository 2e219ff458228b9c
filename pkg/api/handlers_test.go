package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/barrier"
	"github.com/maestro-run/maestro/pkg/engine"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/queue"
	"github.com/maestro-run/maestro/pkg/store/memory"
	"github.com/maestro-run/maestro/pkg/supervisor"
	"github.com/maestro-run/maestro/pkg/tools"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	store  *memory.Store
	client *llm.ScriptedClient
	router *gin.Engine
}

func newAPIFixture(t *testing.T, entries ...*llm.ScriptEntry) *apiFixture {
	t.Helper()
	st := memory.New()
	client := llm.NewScriptedClient(entries...)
	results, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	outputs, err := artifacts.NewToolOutputStore(t.TempDir())
	require.NoError(t, err)

	registry := tools.NewRegistry()
	eng := engine.New(client, st.Jobs(), results, nil, nil, engine.Config{})
	coordinator := barrier.NewCoordinator(st, nil, nil, barrier.Config{
		Timeout:        time.Minute,
		RaceRetries:    3,
		RaceRetryDelay: time.Millisecond,
	})
	inbox := supervisor.NewInboxBuilder(st.Jobs(), st.Threads(), results)
	service := supervisor.NewService(st, eng, registry, coordinator, inbox, outputs, nil, nil, supervisor.Config{
		DefaultModel:   "test-model",
		DefaultTimeout: 30 * time.Second,
	})
	coordinator.SetResumer(service)

	processor := queue.NewProcessor(st, eng, registry, coordinator, results, outputs, nil, nil, nil, "pod-api", queue.Config{})
	manager := events.NewConnectionManager(nil, time.Second)

	server := NewServer(st, service, processor, manager, nil, nil, nil)
	return &apiFixture{store: st, client: client, router: server.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateRunSettlesWithinTimeout(t *testing.T) {
	f := newAPIFixture(t, &llm.ScriptEntry{Response: llm.TextResponse("all done")})

	w := f.do(t, http.MethodPost, "/api/runs", `{"ownerId":"owner-1","task":"summarize the incident"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "all done", resp["result"])
	assert.NotEmpty(t, resp["runId"])
	assert.NotEmpty(t, resp["threadId"])
}

func TestCreateRunRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/runs", `{"ownerId": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRunRequiresOwnerAndTask(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/runs", `{"ownerId":"owner-1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "required")
}

func TestGetRun(t *testing.T) {
	f := newAPIFixture(t)
	run := &models.Run{
		ID: "run-1", OwnerID: "owner-1", ThreadID: "thread-1",
		Status: models.RunSuccess, TraceID: "trace-1", RootRunID: "run-1",
	}
	require.NoError(t, f.store.Runs().Create(context.Background(), run))

	w := f.do(t, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "run-1", resp["id"])
	assert.Equal(t, "owner-1", resp["ownerId"])
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "trace-1", resp["traceId"])

	w = f.do(t, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRun(t *testing.T) {
	f := newAPIFixture(t)
	run := &models.Run{ID: "run-1", OwnerID: "owner-1", ThreadID: "thread-1", Status: models.RunWaiting}
	require.NoError(t, f.store.Runs().Create(context.Background(), run))

	w := f.do(t, http.MethodPost, "/api/runs/run-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := f.store.Runs().Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)

	// Terminal runs are not cancellable.
	w = f.do(t, http.MethodPost, "/api/runs/run-1/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListRunEvents(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	run := &models.Run{ID: "run-1", OwnerID: "owner-1", ThreadID: "thread-1", Status: models.RunRunning}
	require.NoError(t, f.store.Runs().Create(ctx, run))

	for _, eventType := range []string{"supervisor_started", "supervisor_complete"} {
		require.NoError(t, f.store.Events().Append(ctx, &models.Event{
			RunID: "run-1", EventType: eventType, Payload: []byte(`{"k":"v"}`),
		}))
	}

	w := f.do(t, http.MethodGet, "/api/runs/run-1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	evts := resp["events"].([]any)
	require.Len(t, evts, 2)
	first := evts[0].(map[string]any)
	assert.Equal(t, "supervisor_started", first["type"])

	// since=<first id> skips already-seen events.
	w = f.do(t, http.MethodGet, "/api/runs/run-1/events?since=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON(t, w)
	evts = resp["events"].([]any)
	require.Len(t, evts, 1)
	assert.Equal(t, "supervisor_complete", evts[0].(map[string]any)["type"])

	w = f.do(t, http.MethodGet, "/api/runs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunJobsAndGetJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	job := &models.WorkerJob{
		OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: "tc-1",
		Task: "inspect logs", Status: models.JobRunning,
	}
	require.NoError(t, f.store.Jobs().Create(ctx, job))

	w := f.do(t, http.MethodGet, "/api/runs/run-1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	jobs := resp["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].(map[string]any)["id"])

	w = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, "inspect logs", got["task"])
	assert.Equal(t, "running", got["status"])

	w = f.do(t, http.MethodGet, "/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	job := &models.WorkerJob{
		OwnerID: "owner-1", SupervisorRunID: "run-1", ToolCallID: "tc-1",
		Task: "doomed", Status: models.JobQueued,
	}
	require.NoError(t, f.store.Jobs().Create(ctx, job))

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := f.store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)

	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
