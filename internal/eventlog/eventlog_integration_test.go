//go:build integration

package eventlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"noetl.io/noetl/internal/dbtest"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
)

func newLog(t *testing.T) *eventlog.EventLog {
	t.Helper()
	pg, cleanup := dbtest.StartPostgres(context.Background(), t)
	t.Cleanup(cleanup)
	ids, err := idgen.NewGenerator(1)
	require.NoError(t, err)
	return eventlog.New(pg, ids)
}

func TestAppendThenStreamReturnsEventsInOrder(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	id1, err := l.Append(ctx, eventlog.Event{ExecutionID: 1, EventType: eventlog.EventExecutionStarted})
	require.NoError(t, err)
	id2, err := l.Append(ctx, eventlog.Event{ExecutionID: 1, EventType: eventlog.EventStepStarted, NodeName: "step-a"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	events, err := l.Stream(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, eventlog.EventExecutionStarted, events[0].EventType)
	require.Equal(t, eventlog.EventStepStarted, events[1].EventType)
}

func TestStreamFiltersByFromEventID(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, eventlog.Event{ExecutionID: 2, EventType: eventlog.EventExecutionStarted})
	require.NoError(t, err)
	_, err = l.Append(ctx, eventlog.Event{ExecutionID: 2, EventType: eventlog.EventExecutionComplete})
	require.NoError(t, err)

	events, err := l.Stream(ctx, 2, first)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, eventlog.EventExecutionComplete, events[0].EventType)
}

func TestClaimIsExactlyOnce(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, eventlog.Event{ExecutionID: 3, EventType: eventlog.EventStepStarted})
	require.NoError(t, err)

	won, err := l.Claim(ctx, id, "broker-1")
	require.NoError(t, err)
	require.True(t, won)

	wonAgain, err := l.Claim(ctx, id, "broker-2")
	require.NoError(t, err)
	require.False(t, wonAgain)
}

func TestAppendPreservesPayload(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, eventlog.Event{
		ExecutionID: 4,
		EventType:   eventlog.EventActionCompleted,
		Payload:     map[string]any{"queue_id": float64(42)},
	})
	require.NoError(t, err)

	events, err := l.Stream(ctx, 4, id-1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, float64(42), events[0].Payload["queue_id"])
}
