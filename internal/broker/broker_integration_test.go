//go:build integration

package broker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/catalog"
	"noetl.io/noetl/internal/dbtest"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/loopstate"
	"noetl.io/noetl/internal/queue"
	"noetl.io/noetl/internal/tool"
)

// mustYAMLToJSON mirrors internal/cli's register path: decode YAML into a
// generic value and re-encode as JSON, preserving the document's own keys
// so catalog.Fetch's payload still parses as the original playbook.
func mustYAMLToJSON(t *testing.T, doc string) []byte {
	t.Helper()
	var generic any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &generic))
	raw, err := json.Marshal(generic)
	require.NoError(t, err)
	return raw
}

const singleStepPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: greet
  path: examples/greet
workflow:
  - step: start
    tool:
      kind: echo
      message: hello
`

const loopPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: loop-greet
  path: examples/loop-greet
workflow:
  - step: greet-each
    loop:
      in: workload.items
      element: item
      mode: sequential
    tool:
      kind: echo
      message: "{{ iter }}"
`

const fanOutPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  name: fan-out
  path: examples/fan-out
workflow:
  - step: start
    tool:
      kind: echo
      message: hello
    next:
      - then: [branch-a, branch-b]
  - step: branch-a
    tool:
      kind: echo
      message: a
  - step: branch-b
    tool:
      kind: echo
      message: b
`

// echoTool is a stand-in Tool that simply echoes its config back as the
// result, giving broker/worker tests a dependency-free action to drive
// through the full dispatch path without shelling out to a real tool.
type echoTool struct{}

func (echoTool) Kind() string { return "echo" }

func (echoTool) Run(ctx context.Context, req tool.Request) (tool.Outcome, error) {
	return tool.Outcome{Result: map[string]any{"echoed": req.Config["message"]}}, nil
}

func newHarness(t *testing.T) (*broker.Broker, *catalog.Catalog, *queue.Queue, *tool.Registry) {
	t.Helper()
	ctx := context.Background()
	pg, cleanup := dbtest.StartPostgres(ctx, t)
	t.Cleanup(cleanup)

	ids, err := idgen.NewGenerator(1)
	require.NoError(t, err)

	events := eventlog.New(pg, ids)
	q := queue.New(pg, events, ids, nil)
	cat := catalog.New(pg, events, ids)
	loops := loopstate.New(pg)
	b := broker.New(pg, cat, events, q, loops, ids)

	tools := tool.NewRegistry()
	tools.MustRegister(echoTool{})

	return b, cat, q, tools
}

func TestStartExecutionEnqueuesFirstStepTask(t *testing.T) {
	ctx := context.Background()
	b, cat, q, _ := newHarness(t)

	_, _, err := cat.Register(ctx, catalog.ResourcePlaybook, "examples/greet", []byte(mustYAMLToJSON(t, singleStepPlaybook)), 0)
	require.NoError(t, err)

	executionID, err := b.StartExecution(ctx, "examples/greet", "", nil, nil)
	require.NoError(t, err)

	n, err := b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	active, err := q.CountActive(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, 1, active)
}

func TestSingleStepExecutionCompletesAfterWorkerRuns(t *testing.T) {
	ctx := context.Background()
	b, cat, q, tools := newHarness(t)

	_, _, err := cat.Register(ctx, catalog.ResourcePlaybook, "examples/greet", []byte(mustYAMLToJSON(t, singleStepPlaybook)), 0)
	require.NoError(t, err)

	executionID, err := b.StartExecution(ctx, "examples/greet", "", nil, nil)
	require.NoError(t, err)

	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	leaseJobAndComplete(t, ctx, b, q, tools, executionID)

	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	exec, err := b.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusCompleted, exec.Status)
	require.Equal(t, "hello", exec.StepResults["start"].(map[string]any)["echoed"])
}

func TestLoopExecutionAggregatesEveryIteration(t *testing.T) {
	ctx := context.Background()
	b, cat, q, tools := newHarness(t)

	_, _, err := cat.Register(ctx, catalog.ResourcePlaybook, "examples/loop-greet", []byte(mustYAMLToJSON(t, loopPlaybook)), 0)
	require.NoError(t, err)

	executionID, err := b.StartExecution(ctx, "examples/loop-greet", "",
		map[string]any{"items": []any{"a", "b", "c"}}, nil)
	require.NoError(t, err)

	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		leaseJobAndComplete(t, ctx, b, q, tools, executionID)
		_, err = b.RunOnce(ctx, "test-broker", 10)
		require.NoError(t, err)
	}

	exec, err := b.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusCompleted, exec.Status)
	result := exec.StepResults["greet-each"].(map[string]any)
	require.EqualValues(t, 3, result["count"])
}

func TestCancelMarksExecutionCancelledAndDeadLettersJobs(t *testing.T) {
	ctx := context.Background()
	b, cat, q, _ := newHarness(t)

	_, _, err := cat.Register(ctx, catalog.ResourcePlaybook, "examples/greet", []byte(mustYAMLToJSON(t, singleStepPlaybook)), 0)
	require.NoError(t, err)

	executionID, err := b.StartExecution(ctx, "examples/greet", "", nil, nil)
	require.NoError(t, err)
	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, executionID))

	exec, err := b.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusCancelled, exec.Status)

	active, err := q.CountActive(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, 0, active)
}

// TestStepWithMultipleThenTargetsEntersBothSuccessorSteps exercises a
// `next` arc whose `then` list names more than one successor step: the
// matched arc must enter every named target, not just the first.
func TestStepWithMultipleThenTargetsEntersBothSuccessorSteps(t *testing.T) {
	ctx := context.Background()
	b, cat, q, tools := newHarness(t)

	_, _, err := cat.Register(ctx, catalog.ResourcePlaybook, "examples/fan-out", []byte(mustYAMLToJSON(t, fanOutPlaybook)), 0)
	require.NoError(t, err)

	executionID, err := b.StartExecution(ctx, "examples/fan-out", "", nil, nil)
	require.NoError(t, err)

	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	leaseJobAndComplete(t, ctx, b, q, tools, executionID)
	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	active, err := q.CountActive(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, 2, active)

	leaseJobAndComplete(t, ctx, b, q, tools, executionID)
	leaseJobAndComplete(t, ctx, b, q, tools, executionID)
	_, err = b.RunOnce(ctx, "test-broker", 10)
	require.NoError(t, err)

	exec, err := b.GetExecution(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusCompleted, exec.Status)
	require.Equal(t, "a", exec.StepResults["branch-a"].(map[string]any)["echoed"])
	require.Equal(t, "b", exec.StepResults["branch-b"].(map[string]any)["echoed"])
}

// leaseJobAndComplete leases exactly one queued job for executionID,
// decodes and runs it through the echo tool, and reports completion the
// way internal/worker would, without pulling in a full Worker for a
// broker-focused test.
func leaseJobAndComplete(t *testing.T, ctx context.Context, b *broker.Broker, q *queue.Queue, tools *tool.Registry, executionID int64) {
	t.Helper()
	jobs, err := q.Lease(ctx, "test-worker", 1, 30*time.Second, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	require.Equal(t, executionID, job.ExecutionID)

	action, err := broker.DecodeTaskAction(job.Action)
	require.NoError(t, err)

	outcome, err := tools.Run(ctx, tool.Request{
		ExecutionID: executionID,
		StepName:    action.StepName,
		Kind:        action.Kind,
		Config:      action.Config,
	})
	require.NoError(t, err)

	meta := broker.CompletionMeta{
		StepName: action.StepName, NodeInstance: action.NodeInstance,
		TaskIndex: action.TaskIndex, TotalTasks: action.TotalTasks,
		Loop: action.Loop, LoopEventID: action.LoopEventID,
		IterIndex: action.IterIndex, IterCount: action.IterCount, IterMode: action.IterMode,
	}
	require.NoError(t, q.Complete(ctx, job.QueueID, "test-worker", broker.NewCompletion(meta, outcome.Result)))
}
