package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store/memory"
)

func TestEventCatchupTranslatesRunChannel(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	root := &models.Run{ID: "root-1", OwnerID: "owner-1", ThreadID: "t", Status: models.RunDeferred}
	require.NoError(t, st.Runs().Create(ctx, root))
	cont := &models.Run{ID: "cont-1", OwnerID: "owner-1", ThreadID: "t", Status: models.RunRunning,
		ContinuationOfRunID: "root-1", RootRunID: "root-1"}
	require.NoError(t, st.Runs().Create(ctx, cont))

	require.NoError(t, st.Events().Append(ctx, &models.Event{
		RunID: "root-1", EventType: "supervisor_started", Payload: []byte(`{"type":"supervisor_started","run_id":"root-1"}`),
	}))
	require.NoError(t, st.Events().Append(ctx, &models.Event{
		RunID: "cont-1", EventType: "supervisor_complete", Payload: []byte(`{"type":"supervisor_complete","run_id":"cont-1"}`),
	}))

	q := NewEventCatchup(st.Runs(), st.Events())

	// A subscription on the continuation's channel covers the whole chain.
	evts, err := q.GetCatchupEvents(ctx, "run:cont-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "supervisor_started", evts[0].Payload["type"])
	assert.Equal(t, "supervisor_complete", evts[1].Payload["type"])
	assert.Greater(t, evts[1].ID, evts[0].ID)

	// sinceID filters already-delivered events.
	evts, err = q.GetCatchupEvents(ctx, "run:root-1", evts[0].ID, 100)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "supervisor_complete", evts[0].Payload["type"])
}

func TestEventCatchupMalformedPayloadFallsBack(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	run := &models.Run{ID: "run-1", OwnerID: "owner-1", ThreadID: "t", Status: models.RunRunning}
	require.NoError(t, st.Runs().Create(ctx, run))
	require.NoError(t, st.Events().Append(ctx, &models.Event{
		RunID: "run-1", EventType: "error", Payload: []byte("not json"),
	}))

	q := NewEventCatchup(st.Runs(), st.Events())
	evts, err := q.GetCatchupEvents(ctx, "run:run-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "error", evts[0].Payload["type"])
	assert.Equal(t, "run-1", evts[0].Payload["run_id"])
}

func TestEventCatchupRejectsUnknownChannel(t *testing.T) {
	q := NewEventCatchup(memory.New().Runs(), memory.New().Events())
	_, err := q.GetCatchupEvents(context.Background(), "session:abc", 0, 100)
	assert.Error(t, err)
}
