package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store/memory"
	"github.com/maestro-run/maestro/pkg/tools"
)

func testIdentityCtx() context.Context {
	return models.WithIdentity(context.Background(), models.RunIdentity{
		RunID:   "run-1",
		OwnerID: "owner-1",
		TraceID: "trace-1",
	})
}

func echoTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDef{Name: "echo", Description: "echoes its input"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return tools.OptionalStringArg(args, "text"), nil
		},
	}
}

func failingTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDef{Name: "broken", Description: "always fails"},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	}
}

func panickingTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDef{Name: "panicky", Description: "always panics"},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			panic("unexpected nil")
		},
	}
}

func newTestEngine(t *testing.T, client llm.Client, st *memory.Store, results artifacts.Store) *Engine {
	t.Helper()
	return New(client, st.Jobs(), results, nil, nil, Config{MaxIterations: 10})
}

func newTestBinder(names ...string) *tools.Binder {
	registry := tools.NewRegistry()
	registry.MustRegister(echoTool())
	registry.MustRegister(failingTool())
	registry.MustRegister(panickingTool())
	return tools.NewBinder(registry, names)
}

func TestRunDirectAnswer(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.TextResponse("final answer")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("question")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "final answer", res.Messages[1].Content)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestRunToolCallThenAnswer(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-1", Name: "echo", Args: map[string]any{"text": "hello"},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("done")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 4)
	assert.Equal(t, models.RoleTool, res.Messages[2].Role)
	assert.Equal(t, "tc-1", res.Messages[2].ToolCallID)
	assert.Equal(t, "hello", res.Messages[2].Content)
	assert.Equal(t, "done", res.Messages[3].Content)
}

func TestRunToolResultsKeepCallOrder(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(
			models.ToolCall{ID: "tc-a", Name: "echo", Args: map[string]any{"text": "first"}},
			models.ToolCall{ID: "tc-b", Name: "echo", Args: map[string]any{"text": "second"}},
		)},
		&llm.ScriptEntry{Response: llm.TextResponse("done")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 5)
	assert.Equal(t, "tc-a", res.Messages[2].ToolCallID)
	assert.Equal(t, "first", res.Messages[2].Content)
	assert.Equal(t, "tc-b", res.Messages[3].ToolCallID)
	assert.Equal(t, "second", res.Messages[3].Content)
}

func TestRunToolErrorDoesNotAbort(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-1", Name: "broken", Args: map[string]any{},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("recovered")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("broken"),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Messages[2].Content, "<tool-error>")
	assert.Contains(t, res.Messages[2].Content, "boom")
	assert.Equal(t, "recovered", res.Messages[3].Content)
}

func TestRunToolPanicBecomesError(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-1", Name: "panicky", Args: map[string]any{},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("ok")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("panicky"),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Messages[2].Content, "<tool-error>")
	assert.Contains(t, res.Messages[2].Content, "panicked")
}

func TestRunUnknownToolBecomesError(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-1", Name: "no_such_tool", Args: map[string]any{},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("ok")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Messages[2].Content, "<tool-error>")
}

func TestRunEmptyResponseRetriedWithForcedChoice(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.Response{Message: llm.Message{Role: models.RoleAssistant}}},
		&llm.ScriptEntry{
			Match:    func(req llm.Request) bool { return req.ToolChoice == llm.ToolChoiceRequired },
			Response: llm.TextResponse("second try"),
		},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	// The injected reminder precedes the retry's answer.
	require.Len(t, res.Messages, 3)
	assert.Equal(t, models.RoleSystem, res.Messages[1].Role)
	assert.Contains(t, res.Messages[1].Content, "MUST either call a tool or provide a final answer")
	assert.Equal(t, "second try", res.Messages[2].Content)
}

func TestRunDoubleEmptyResponseFailsConcretely(t *testing.T) {
	empty := llm.Response{Message: llm.Message{Role: models.RoleAssistant}}
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: empty},
		&llm.ScriptEntry{Response: empty},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, emptyFailureMessage, last.Content)
}

func TestRunIterationCap(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-1", Name: "echo", Args: map[string]any{"text": "a"},
		})},
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-2", Name: "echo", Args: map[string]any{"text": "b"},
		})},
	)
	eng := New(client, memory.New().Jobs(), nil, nil, nil, Config{MaxIterations: 2})

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.NoError(t, err)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, maxIterationsMessage, last.Content)
}

func TestRunModelErrorIsTerminal(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Err: errors.New("rate limited")},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	_, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(testIdentityCtx())
	cancel()
	eng := newTestEngine(t, llm.NewScriptedClient(), memory.New(), nil)

	_, err := eng.Run(ctx, []llm.Message{user("q")}, AgentConfig{
		Model:  "m",
		Binder: newTestBinder("echo"),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSpawnWorkerInterrupts(t *testing.T) {
	st := memory.New()
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-spawn", Name: tools.SpawnWorkerName, Args: map[string]any{"task": "research topic"},
		})},
	)
	eng := newTestEngine(t, client, st, nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model:      "m",
		Binder:     newTestBinder("echo"),
		AllowSpawn: true,
	})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, InterruptWorkersPending, res.Interrupt.Type)
	require.Len(t, res.Interrupt.PendingJobs, 1)

	job := res.Interrupt.PendingJobs[0].Job
	assert.Equal(t, models.JobCreated, job.Status)
	assert.Equal(t, "research topic", job.Task)
	assert.Equal(t, "run-1", job.SupervisorRunID)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Equal(t, "tc-spawn", job.ToolCallID)

	stored, err := st.Jobs().GetByToolCallID(context.Background(), "run-1", "tc-spawn")
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestRunSpawnIsIdempotentByToolCallID(t *testing.T) {
	st := memory.New()
	spawnResp := llm.ToolCallResponse(models.ToolCall{
		ID: "tc-spawn", Name: tools.SpawnWorkerName, Args: map[string]any{"task": "t"},
	})
	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: spawnResp},
	)
	eng := newTestEngine(t, client, st, nil)
	cfg := AgentConfig{Model: "m", Binder: newTestBinder("echo"), AllowSpawn: true}

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, cfg)
	require.NoError(t, err)
	firstID := res.Interrupt.PendingJobs[0].Job.ID

	// Re-running with the same conversation (crash replay) must reuse the
	// existing job instead of spawning a second one.
	res2, err := eng.Run(testIdentityCtx(), res.Messages, cfg)
	require.NoError(t, err)
	require.True(t, res2.Interrupted())
	assert.Equal(t, firstID, res2.Interrupt.PendingJobs[0].Job.ID)

	jobs, err := st.Jobs().ListBySupervisorRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRunResumesFinishedSpawnWithResult(t *testing.T) {
	st := memory.New()
	results, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)

	job := &models.WorkerJob{
		OwnerID:         "owner-1",
		SupervisorRunID: "run-1",
		ToolCallID:      "tc-spawn",
		Task:            "t",
		Status:          models.JobSuccess,
	}
	require.NoError(t, st.Jobs().Create(context.Background(), job))
	require.NoError(t, results.Put(job.ID, artifacts.KindResult, []byte("worker findings")))

	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.TextResponse("synthesized")},
	)
	eng := newTestEngine(t, client, st, results)

	msgs := []llm.Message{
		user("q"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tc-spawn", Name: tools.SpawnWorkerName, Args: map[string]any{"task": "t"}},
		}},
	}
	res, err := eng.Run(testIdentityCtx(), msgs, AgentConfig{
		Model: "m", Binder: newTestBinder("echo"), AllowSpawn: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	require.Len(t, res.Messages, 4)
	assert.Equal(t, models.RoleTool, res.Messages[2].Role)
	assert.Contains(t, res.Messages[2].Content, "Worker job "+job.ID+" completed:")
	assert.Contains(t, res.Messages[2].Content, "worker findings")
	assert.Equal(t, "synthesized", res.Messages[3].Content)
}

func TestRunWaitForRunningWorkerInterrupts(t *testing.T) {
	st := memory.New()
	job := &models.WorkerJob{
		OwnerID:         "owner-1",
		SupervisorRunID: "run-1",
		ToolCallID:      "tc-old",
		Status:          models.JobRunning,
	}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-wait", Name: tools.WaitForWorkerName, Args: map[string]any{"job_id": job.ID},
		})},
	)
	eng := newTestEngine(t, client, st, nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model: "m", Binder: newTestBinder("echo"), AllowSpawn: true,
	})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, InterruptWaitForWorker, res.Interrupt.Type)
	assert.Equal(t, job.ID, res.Interrupt.JobID)
	assert.Equal(t, "tc-wait", res.Interrupt.ToolCallID)
}

func TestRunWaitForFinishedWorkerAnswersInline(t *testing.T) {
	st := memory.New()
	job := &models.WorkerJob{
		OwnerID:         "owner-1",
		SupervisorRunID: "run-1",
		ToolCallID:      "tc-old",
		Status:          models.JobFailed,
		Error:           "worker crashed",
	}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-wait", Name: tools.WaitForWorkerName, Args: map[string]any{"job_id": job.ID},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("noted")},
	)
	eng := newTestEngine(t, client, st, nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model: "m", Binder: newTestBinder("echo"), AllowSpawn: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	assert.Contains(t, res.Messages[2].Content, "worker crashed")
}

func TestRunWaitForWorkerOfOtherOwnerNotFound(t *testing.T) {
	st := memory.New()
	job := &models.WorkerJob{
		OwnerID:         "someone-else",
		SupervisorRunID: "run-9",
		ToolCallID:      "tc-x",
		Status:          models.JobRunning,
	}
	require.NoError(t, st.Jobs().Create(context.Background(), job))

	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-wait", Name: tools.WaitForWorkerName, Args: map[string]any{"job_id": job.ID},
		})},
		&llm.ScriptEntry{Response: llm.TextResponse("ok")},
	)
	eng := newTestEngine(t, client, st, nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model: "m", Binder: newTestBinder("echo"), AllowSpawn: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	assert.Contains(t, res.Messages[2].Content, "not found")
}

func TestRunSearchToolsRebindsForNextCall(t *testing.T) {
	registry := tools.NewRegistry()
	registry.MustRegister(echoTool())
	registry.MustRegister(tools.NewSearchToolsTool(registry))
	binder := tools.NewBinder(registry, []string{tools.SearchToolsName})

	client := llm.NewScriptedClient(
		&llm.ScriptEntry{Response: llm.ToolCallResponse(models.ToolCall{
			ID: "tc-search", Name: tools.SearchToolsName, Args: map[string]any{"query": "echo"},
		})},
		&llm.ScriptEntry{
			Match: func(req llm.Request) bool {
				for _, d := range req.Tools {
					if d.Name == "echo" {
						return true
					}
				}
				return false
			},
			Response: llm.TextResponse("found it"),
		},
	)
	eng := newTestEngine(t, client, memory.New(), nil)

	res, err := eng.Run(testIdentityCtx(), []llm.Message{user("q")}, AgentConfig{
		Model: "m", Binder: binder,
	})
	require.NoError(t, err)
	assert.Equal(t, "found it", res.Messages[len(res.Messages)-1].Content)
	assert.True(t, binder.Has("echo"))
}

func TestPendingToolCallsDetection(t *testing.T) {
	msgs := []llm.Message{
		user("q"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "echo"}, {ID: "b", Name: "echo"},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "done"},
	}
	pending := pendingToolCalls(msgs)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	msgs = append(msgs, llm.Message{Role: models.RoleTool, ToolCallID: "b", Content: "done"})
	assert.Empty(t, pendingToolCalls(msgs))

	assert.Empty(t, pendingToolCalls([]llm.Message{user("q"), assistant("a")}))
}
