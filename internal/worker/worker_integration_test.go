//go:build integration

package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/catalog"
	"noetl.io/noetl/internal/dbtest"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/keychain"
	"noetl.io/noetl/internal/logging"
	"noetl.io/noetl/internal/loopstate"
	"noetl.io/noetl/internal/queue"
	"noetl.io/noetl/internal/template"
	"noetl.io/noetl/internal/tool"
	"noetl.io/noetl/internal/worker"
)

func mustYAMLToJSON(t *testing.T, doc string) []byte {
	t.Helper()
	var generic any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &generic))
	raw, err := json.Marshal(generic)
	require.NoError(t, err)
	return raw
}

const plainPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: plain
  path: examples/plain
workflow:
  - step: start
    tool:
      kind: flaky
      message: hello
`

const guardedPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: guarded
  path: examples/guarded
workflow:
  - step: start
    tool:
      kind: flaky
      message: hello
    retry:
      max_attempts: 3
      initial_delay: 1ms
      backoff_multiplier: 1.0
      stop_when: "status == 'done'"
`

const authedPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: authed
  path: examples/authed
workflow:
  - step: start
    auth:
      svc:
        type: env
        env: TEST_TOKEN
    tool:
      kind: capture-auth
      message: hi
`

// flakyTool fails its first N invocations per step instance, then
// succeeds, so tests can exercise the worker's retry/backoff path without
// a real flaky dependency.
type flakyTool struct {
	failures map[string]int
}

func newFlakyTool() *flakyTool { return &flakyTool{failures: map[string]int{}} }

func (f *flakyTool) Kind() string { return "flaky" }

func (f *flakyTool) Run(ctx context.Context, req tool.Request) (tool.Outcome, error) {
	key := fmt.Sprintf("%d:%s", req.ExecutionID, req.StepName)
	if f.failures[key] > 0 {
		f.failures[key]--
		return tool.Outcome{Retryable: true}, fmt.Errorf("transient failure")
	}
	return tool.Outcome{Result: map[string]any{"status": "done", "echoed": req.Config["message"]}}, nil
}

// alwaysFailTool never succeeds, used to drive a job to dead-letter after
// its retry budget is exhausted.
type alwaysFailTool struct{}

func (alwaysFailTool) Kind() string { return "flaky" }

func (alwaysFailTool) Run(ctx context.Context, req tool.Request) (tool.Outcome, error) {
	return tool.Outcome{Retryable: true}, fmt.Errorf("permanent-looking transient failure")
}

// captureAuthTool records the resolved auth fields it was given so a test
// can assert the credential resolver actually ran.
type captureAuthTool struct {
	got chan map[string]tool.Auth
}

func (c *captureAuthTool) Kind() string { return "capture-auth" }

func (c *captureAuthTool) Run(ctx context.Context, req tool.Request) (tool.Outcome, error) {
	c.got <- req.Auth
	return tool.Outcome{Result: map[string]any{"ok": true}}, nil
}

// echoAuthTool puts the resolved auth field straight into its result, so a
// test can confirm the worker scrubs that value out before it reaches the
// persisted action_completed payload.
type echoAuthTool struct{}

func (echoAuthTool) Kind() string { return "capture-auth" }

func (echoAuthTool) Run(ctx context.Context, req tool.Request) (tool.Outcome, error) {
	return tool.Outcome{Result: map[string]any{"token": req.Auth["svc"].Fields["value"]}}, nil
}

type harness struct {
	broker *broker.Broker
	cat    *catalog.Catalog
	queue  *queue.Queue
	events *eventlog.EventLog
	auth   *keychain.Resolver
	logger *logging.ContextLogger
}

func newWorkerHarness(t *testing.T) harness {
	return newWorkerHarnessWithLeaseSecret(t, nil)
}

func newWorkerHarnessWithLeaseSecret(t *testing.T, leaseSecret []byte) harness {
	t.Helper()
	ctx := context.Background()
	pg, cleanup := dbtest.StartPostgres(ctx, t)
	t.Cleanup(cleanup)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ids, err := idgen.NewGenerator(1)
	require.NoError(t, err)

	events := eventlog.New(pg, ids)
	q := queue.New(pg, events, ids, leaseSecret)
	cat := catalog.New(pg, events, ids)
	loops := loopstate.New(pg)
	b := broker.New(pg, cat, events, q, loops, ids)

	kc := keychain.New(pg, rdb, time.Hour)
	resolver := keychain.NewResolver(kc)
	resolver.Register(keychain.EnvProvider{})
	resolver.Register(keychain.NewInlineProvider(nil))

	logger := logging.ServiceLogger(logging.New(logging.DefaultConfig()), "noetl-worker-test", "test")

	return harness{broker: b, cat: cat, queue: q, events: events, auth: resolver, logger: logger}
}

func startSingleStepExecution(t *testing.T, h harness, doc, path string, workload map[string]any) int64 {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.cat.Register(ctx, catalog.ResourcePlaybook, path, mustYAMLToJSON(t, doc), 0)
	require.NoError(t, err)

	executionID, err := h.broker.StartExecution(ctx, path, "", workload, nil)
	require.NoError(t, err)

	_, err = h.broker.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)
	return executionID
}

func TestWorkerCompletesSingleJob(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	executionID := startSingleStepExecution(t, h, plainPlaybook, "examples/plain", nil)

	tools := tool.NewRegistry()
	tools.MustRegister(newFlakyTool())

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 10 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := h.broker.RunOnce(ctx, "test-broker", 10)
		require.NoError(t, err)
		exec, err := h.broker.GetExecution(ctx, executionID)
		require.NoError(t, err)
		return exec.Status == broker.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	executionID := startSingleStepExecution(t, h, guardedPlaybook, "examples/guarded", nil)

	ft := newFlakyTool()
	ft.failures[fmt.Sprintf("%d:start", executionID)] = 2

	tools := tool.NewRegistry()
	tools.MustRegister(ft)

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 5 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := h.broker.RunOnce(ctx, "test-broker", 10)
		require.NoError(t, err)
		exec, err := h.broker.GetExecution(ctx, executionID)
		require.NoError(t, err)
		return exec.Status == broker.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerDeadLettersAfterMaxAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	executionID := startSingleStepExecution(t, h, guardedPlaybook, "examples/guarded-dead", nil)

	tools := tool.NewRegistry()
	tools.MustRegister(alwaysFailTool{})

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 5 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		active, err := h.queue.CountActive(ctx, executionID)
		require.NoError(t, err)
		return active == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.broker.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)
	exec, err := h.broker.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusFailed, exec.Status)
}

// TestWorkerFindsNothingToLeaseAfterCancel exercises Cancel's own
// dead-lettering of queued jobs (§4.5 "Cancellation"): once an execution
// is cancelled, a worker polling afterward finds no active job for it, so
// the in-dispatch exec.Status != StatusRunning guard in handleJob never
// even gets a chance to run for already-queued work.
func TestWorkerFindsNothingToLeaseAfterCancel(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	executionID := startSingleStepExecution(t, h, plainPlaybook, "examples/plain-cancel", nil)
	require.NoError(t, h.broker.Cancel(ctx, executionID))

	tools := tool.NewRegistry()
	tools.MustRegister(newFlakyTool())

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 5 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := w.Run(runCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	active, err := h.queue.CountActive(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, 0, active)
}

func TestWorkerResolvesEnvAuthBeforeDispatch(t *testing.T) {
	t.Setenv("NOETL_CREDENTIAL_TEST_TOKEN", "s3cr3t")

	ctx := context.Background()
	h := newWorkerHarness(t)

	startSingleStepExecution(t, h, authedPlaybook, "examples/authed", nil)

	capture := &captureAuthTool{got: make(chan map[string]tool.Auth, 1)}
	tools := tool.NewRegistry()
	tools.MustRegister(capture)

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 5 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	select {
	case auth := <-capture.got:
		require.Contains(t, auth, "svc")
		require.Equal(t, "env", auth["svc"].Type)
		require.Equal(t, "s3cr3t", auth["svc"].Fields["value"])
	case <-time.After(time.Second):
		t.Fatal("capture-auth tool was never dispatched")
	}
}

// TestWorkerRedactsAuthSecretFromPersistedResult drives a step whose tool
// result embeds a resolved auth value verbatim, and asserts the secret
// never reaches the persisted action_completed payload: GetExecution must
// see template.RedactedPlaceholder, not the raw credential.
func TestWorkerRedactsAuthSecretFromPersistedResult(t *testing.T) {
	t.Setenv("NOETL_CREDENTIAL_TEST_TOKEN", "s3cr3t")

	ctx := context.Background()
	h := newWorkerHarness(t)

	executionID := startSingleStepExecution(t, h, authedPlaybook, "examples/authed-redact", nil)

	tools := tool.NewRegistry()
	tools.MustRegister(echoAuthTool{})

	w := worker.New(worker.Config{WorkerID: "w1", Capacity: 2, LeaseDuration: time.Second, PollInterval: 5 * time.Millisecond},
		h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := h.broker.RunOnce(ctx, "test-broker", 10)
		require.NoError(t, err)
		exec, err := h.broker.GetExecution(ctx, executionID)
		require.NoError(t, err)
		return exec.Status == broker.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	exec, err := h.broker.GetExecution(ctx, executionID)
	require.NoError(t, err)
	result := exec.StepResults["start"].(map[string]any)
	require.Equal(t, template.RedactedPlaceholder, result["token"])
}

// TestWorkerRejectsJobWithMismatchedLeaseSecret configures the Queue with
// one lease-token secret and the Worker with another, so every lease
// token Queue.Lease mints fails Worker.verifyLease's signature check
// before the tool ever runs (§2.2 "JWT"). A flakyTool with zero
// configured failures would otherwise complete the job on its very first
// dispatch, so an execution ending up StatusFailed rather than
// StatusCompleted proves the job was rejected pre-dispatch, not just
// slow to succeed.
func TestWorkerRejectsJobWithMismatchedLeaseSecret(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarnessWithLeaseSecret(t, []byte("queue-secret"))

	executionID := startSingleStepExecution(t, h, plainPlaybook, "examples/plain-bad-secret", nil)

	tools := tool.NewRegistry()
	tools.MustRegister(newFlakyTool())

	w := worker.New(worker.Config{
		WorkerID:      "w1",
		Capacity:      2,
		LeaseDuration: time.Second,
		PollInterval:  5 * time.Millisecond,
		LeaseSecret:   []byte("worker-secret"),
	}, h.queue, h.events, tools, h.auth, h.broker, h.logger)

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := h.broker.RunOnce(ctx, "test-broker", 10)
		require.NoError(t, err)
		exec, err := h.broker.GetExecution(ctx, executionID)
		require.NoError(t, err)
		return exec.Status == broker.StatusFailed
	}, 500*time.Millisecond, 10*time.Millisecond)
}
