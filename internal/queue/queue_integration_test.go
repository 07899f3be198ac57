//go:build integration

package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"noetl.io/noetl/internal/dbtest"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	ctx := context.Background()
	pg, cleanup := dbtest.StartPostgres(ctx, t)
	t.Cleanup(cleanup)

	ids, err := idgen.NewGenerator(1)
	require.NoError(t, err)
	events := eventlog.New(pg, ids)
	return queue.New(pg, events, ids, nil)
}

func TestEnqueueThenLeaseReturnsJob(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, 100, 1, map[string]any{"kind": "http"}, 3, 0)
	require.NoError(t, err)

	jobs, err := q.Lease(ctx, "worker-1", 10, time.Minute, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].QueueID)
	require.Equal(t, queue.StatusLeased, jobs[0].Status)
	require.Equal(t, 1, jobs[0].Attempts)
}

func TestLeaseSkipsLockedRowsAcrossWorkers(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 100, 1, map[string]any{}, 3, 0)
	require.NoError(t, err)

	first, err := q.Lease(ctx, "worker-1", 1, time.Minute, time.Now())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Lease(ctx, "worker-2", 1, time.Minute, time.Now())
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestCompleteRequiresHoldingWorker(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, 100, 1, map[string]any{}, 3, 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1", 1, time.Minute, time.Now())
	require.NoError(t, err)

	err = q.Complete(ctx, id, "worker-2", nil)
	require.Error(t, err)

	err = q.Complete(ctx, id, "worker-1", map[string]any{"ok": true})
	require.NoError(t, err)
}

func TestFailRetriesUntilMaxAttemptsThenDeadletters(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	policy := queue.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Second}

	id, err := q.Enqueue(ctx, 100, 1, map[string]any{}, policy.MaxAttempts, 0)
	require.NoError(t, err)

	_, err = q.Lease(ctx, "worker-1", 1, time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "worker-1", policy, errors.New("transient failure"), true))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRetry, job.Status)

	time.Sleep(5 * time.Millisecond)
	_, err = q.Lease(ctx, "worker-1", 1, time.Minute, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "worker-1", policy, errors.New("transient failure again"), true))
	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDead, job.Status)
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, 100, 1, map[string]any{}, 3, 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1", 1, time.Millisecond, time.Now())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := q.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, job.Status)
}
