// Package broker turns the event stream into queued work and advances
// each execution's workflow graph deterministically (SPEC_FULL.md §4.4).
// There is no direct call path to the worker: the broker only reads
// events and writes queue rows; the worker only reads queue rows and
// writes events (§9 "Cyclic references between broker, worker, and
// events" redesign note). Grounded on worker/pool.go's
// select-on-stopChan polling-loop shape, generalized from a blocking
// Dequeue to a claim-unclaimed-events poll since the broker's unit of
// work is an event row, not a queue row.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"noetl.io/noetl/internal/catalog"
	"noetl.io/noetl/internal/condition"
	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/loopstate"
	"noetl.io/noetl/internal/noetlerr"
	"noetl.io/noetl/internal/playbook"
	"noetl.io/noetl/internal/queue"
	"noetl.io/noetl/internal/template"
	"noetl.io/noetl/internal/tool"
)

// RetrySpec is the broker's resolved form of playbook.RetrySpec, with
// durations parsed rather than left as strings, embedded verbatim in
// every TaskAction so the worker never has to see the raw playbook
// document (§6 `retry`).
type RetrySpec struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
	RetryWhen         string        `json:"retry_when,omitempty"`
	StopWhen          string        `json:"stop_when,omitempty"`
}

// QueuePolicy converts a resolved RetrySpec into the queue package's
// RetryPolicy, used by the worker when calling queue.Fail (§4.3).
func (r RetrySpec) QueuePolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      r.InitialDelay,
		BackoffMultiplier: r.BackoffMultiplier,
		MaxDelay:          r.MaxDelay,
	}
}

func resolveRetry(spec *playbook.RetrySpec) RetrySpec {
	r := RetrySpec{MaxAttempts: 1, BackoffMultiplier: 2.0}
	if spec == nil {
		return r
	}
	if spec.MaxAttempts > 0 {
		r.MaxAttempts = spec.MaxAttempts
	}
	if spec.InitialDelay != "" {
		if d, err := time.ParseDuration(spec.InitialDelay); err == nil {
			r.InitialDelay = d
		}
	}
	if spec.BackoffMultiplier > 0 {
		r.BackoffMultiplier = spec.BackoffMultiplier
	}
	if spec.MaxDelay != "" {
		if d, err := time.ParseDuration(spec.MaxDelay); err == nil {
			r.MaxDelay = d
		}
	}
	r.RetryWhen = spec.RetryWhen
	r.StopWhen = spec.StopWhen
	return r
}

// TaskAction is the payload of one queue job: everything the worker
// needs to dispatch a single tool invocation and route its completion
// back to the right step/loop instance (§4.5 "Dispatch"). Config and Auth
// are left unrendered; the worker renders templates at dispatch time
// (§4.5 "Prepare"), not the broker, so a loop iteration's `iter` value is
// never baked in before the worker has it.
type TaskAction struct {
	StepName     string                        `json:"step_name"`
	NodeInstance string                        `json:"node_instance"`
	TaskIndex    int                           `json:"task_index"`
	TotalTasks   int                           `json:"total_tasks"`
	Kind         string                        `json:"kind"`
	Config       map[string]any                `json:"config"`
	Auth         map[string]playbook.AuthAlias `json:"auth,omitempty"`
	Retry        RetrySpec                     `json:"retry"`
	Loop         bool                          `json:"loop,omitempty"`
	LoopEventID  int64                         `json:"loop_event_id,omitempty"`
	IterIndex    int                           `json:"iter_index,omitempty"`
	IterCount    int                           `json:"iter_count,omitempty"`
	IterMode     string                        `json:"iter_mode,omitempty"`
	Iter         any                           `json:"iter,omitempty"`
}

func (a TaskAction) toMap() map[string]any {
	raw, _ := json.Marshal(a)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// DecodeTaskAction reconstructs a TaskAction from a leased queue.Job's
// Action map; used by the worker package, which never sees playbook.* or
// the broker's own internals directly.
func DecodeTaskAction(action map[string]any) (TaskAction, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return TaskAction{}, fmt.Errorf("broker: re-marshaling action: %w", err)
	}
	var ta TaskAction
	if err := json.Unmarshal(raw, &ta); err != nil {
		return TaskAction{}, fmt.Errorf("broker: decoding task action: %w", err)
	}
	return ta, nil
}

// CompletionMeta travels back from the worker inside the action_completed
// event payload's "__meta" field so the broker's poll loop can route the
// result without re-reading the queue job (§4.4 transition 4/5).
type CompletionMeta struct {
	StepName     string `json:"step_name"`
	NodeInstance string `json:"node_instance"`
	TaskIndex    int    `json:"task_index"`
	TotalTasks   int    `json:"total_tasks"`
	Loop         bool   `json:"loop"`
	LoopEventID  int64  `json:"loop_event_id"`
	IterIndex    int    `json:"iter_index"`
	IterCount    int    `json:"iter_count"`
	IterMode     string `json:"iter_mode"`
}

// Completion is what the worker passes to queue.Complete's result
// parameter: routing metadata plus the tool's own outcome, kept in
// separate sub-keys so neither can collide with the other's field names.
func NewCompletion(meta CompletionMeta, result map[string]any) map[string]any {
	metaRaw, _ := json.Marshal(meta)
	metaMap := map[string]any{}
	_ = json.Unmarshal(metaRaw, &metaMap)
	return map[string]any{"__meta": metaMap, "result": result}
}

func decodeMeta(payload map[string]any) (CompletionMeta, bool) {
	raw, ok := payload["__meta"]
	if !ok {
		return CompletionMeta{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return CompletionMeta{}, false
	}
	var m CompletionMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return CompletionMeta{}, false
	}
	return m, true
}

func decodeResult(payload map[string]any) map[string]any {
	raw, ok := payload["result"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return raw
}

// Broker advances executions by consuming the event log and writing
// queue rows (§4.4). Multiple Broker instances may run against the same
// database concurrently; EventLog.Claim gives each event exactly one
// winner (§5 "Concurrency").
type Broker struct {
	db       *db.Postgres
	catalog  *catalog.Catalog
	events   *eventlog.EventLog
	queue    *queue.Queue
	loops    *loopstate.Store
	ids      *idgen.Generator
	execs    *executions
	maxDepth int
}

// New constructs a Broker bound to the shared stores owned by the process
// Runtime.
func New(pg *db.Postgres, cat *catalog.Catalog, events *eventlog.EventLog, q *queue.Queue, loops *loopstate.Store, ids *idgen.Generator) *Broker {
	return &Broker{
		db:       pg,
		catalog:  cat,
		events:   events,
		queue:    q,
		loops:    loops,
		ids:      ids,
		execs:    newExecutionStore(pg),
		maxDepth: 64,
	}
}

// StartExecution creates the root execution row and emits
// execution_started (§4.4 transition 1). Per §9's Open Question decision,
// a sub-playbook invocation always gets a fresh execution_id, linked via
// parent_execution_id, never the caller's own id.
func (b *Broker) StartExecution(ctx context.Context, path, version string, workload map[string]any, parentExecutionID *int64) (int64, error) {
	entry, err := b.catalog.Fetch(ctx, path, version)
	if err != nil {
		return 0, err
	}
	if entry.ResourceType != catalog.ResourcePlaybook {
		return 0, noetlerr.Validation(fmt.Sprintf("broker: %s@%s is a %s, not a Playbook", path, entry.ResourceVersion, entry.ResourceType))
	}
	if _, err := playbook.Parse(entry.Payload); err != nil {
		return 0, err
	}

	executionID := b.ids.Next()
	if workload == nil {
		workload = map[string]any{}
	}
	if err := b.execs.create(ctx, executionID, entry.ResourcePath, entry.ResourceVersion, parentExecutionID, workload); err != nil {
		return 0, err
	}

	if _, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventExecutionStarted,
		Status:      "running",
		Payload:     map[string]any{"resource_path": entry.ResourcePath, "resource_version": entry.ResourceVersion},
	}); err != nil {
		return 0, err
	}

	return executionID, nil
}

// GetExecution exposes the execution row, used by the worker to read
// workload/ctx/iter when preparing a task (§4.5 "Prepare") and by CLI
// `status`.
func (b *Broker) GetExecution(ctx context.Context, executionID int64) (*Execution, error) {
	return b.execs.get(ctx, executionID)
}

// Cancel marks every non-terminal job of an execution dead and flips its
// status to "cancelled" (§4.5 "Cancellation", §9 Open Question: cancelled
// and failed are distinct terminal states — cancelled is always
// externally requested).
func (b *Broker) Cancel(ctx context.Context, executionID int64) error {
	if _, err := b.queue.MarkDeadForExecution(ctx, executionID); err != nil {
		return err
	}
	if err := b.execs.markStatus(ctx, executionID, StatusCancelled); err != nil {
		return err
	}
	_, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventExecutionFailed,
		Status:      "cancelled",
		Payload:     map[string]any{"reason": "cancelled"},
	})
	return err
}

// RunOnce claims and handles up to batchSize unclaimed events, returning
// how many it processed. The broker's poll loop (Run) calls this
// repeatedly; CLI `run -r local` calls it directly in a tight loop until
// the execution reaches a terminal state.
func (b *Broker) RunOnce(ctx context.Context, workerID string, batchSize int) (int, error) {
	evs, err := b.events.Unclaimed(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, ev := range evs {
		won, err := b.events.Claim(ctx, ev.EventID, workerID)
		if err != nil {
			return processed, err
		}
		if !won {
			continue
		}
		if err := b.handle(ctx, ev); err != nil {
			// A handling error here is a broker-internal fault (bad
			// playbook state, DB hiccup), not a task outcome; it does not
			// fail the execution, it just leaves the event claimed and
			// un-actioned for operator investigation. The events table
			// retains the full history either way (§4.2 "never blocks").
			return processed, fmt.Errorf("broker: handling event %d (%s): %w", ev.EventID, ev.EventType, err)
		}
		processed++
	}
	return processed, nil
}

// Run polls for unclaimed events every pollInterval, and reclaims
// expired-lease queue rows every sweepInterval (§4.3 "Backpressure": "if
// tools exceed the lease, sweepers requeue without losing work"; §7: a
// Fatal error's recovery path is "Worker crashes its current job; sweeper
// restores the lease"), until ctx is cancelled. Matches the teacher's
// worker/pool.go select-on-stopChan loop shape (here, ctx.Done() plays
// the stopChan's role), with a second ticker added since the broker owns
// no in-process worker to crash-detect its own stranded leases.
// sweepInterval <= 0 disables the sweep ticker.
func (b *Broker) Run(ctx context.Context, workerID string, pollInterval, sweepInterval time.Duration, batchSize int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var sweepTicker *time.Ticker
	var sweepC <-chan time.Time
	if sweepInterval > 0 {
		sweepTicker = time.NewTicker(sweepInterval)
		defer sweepTicker.Stop()
		sweepC = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RunOnce(ctx, workerID, batchSize); err != nil {
				return err
			}
		case <-sweepC:
			if _, err := b.queue.Sweep(ctx, time.Now()); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) handle(ctx context.Context, ev eventlog.Event) error {
	switch ev.EventType {
	case eventlog.EventExecutionStarted:
		return b.onExecutionStarted(ctx, ev)
	case eventlog.EventActionCompleted:
		return b.onActionCompleted(ctx, ev)
	case eventlog.EventActionError:
		return b.onActionError(ctx, ev)
	default:
		// step_started/step_completed/execution_complete/... are terminal
		// from the broker's own perspective once emitted; resource_* and
		// lease_lost events are informational only.
		return nil
	}
}

func (b *Broker) onExecutionStarted(ctx context.Context, ev eventlog.Event) error {
	exec, err := b.execs.get(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	doc, err := b.loadPlaybook(ctx, exec)
	if err != nil {
		return err
	}
	if len(doc.Workflow) == 0 {
		return noetlerr.Validation("broker: playbook has no workflow steps")
	}
	return b.enterStep(ctx, exec, doc, &doc.Workflow[0])
}

func (b *Broker) loadPlaybook(ctx context.Context, exec *Execution) (*playbook.Document, error) {
	entry, err := b.catalog.Fetch(ctx, exec.ResourcePath, exec.ResourceVersion)
	if err != nil {
		return nil, err
	}
	return playbook.Parse(entry.Payload)
}

// enterStep performs §4.4 transition 2 (and, for loop steps, 3): mint a
// fresh step-instance event_id, emit step_started, then either synthesize
// completion (pass), initialize loop state and enqueue the first
// iteration (loop), or enqueue the step's tool pipeline from task 0.
func (b *Broker) enterStep(ctx context.Context, exec *Execution, doc *playbook.Document, step *playbook.Step) error {
	stepEventID := b.ids.Next()
	if err := b.execs.setStepEventID(ctx, exec.ExecutionID, step.Step, stepEventID); err != nil {
		return err
	}
	nodeInstance := idgen.String(stepEventID)

	if _, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: exec.ExecutionID,
		EventType:   eventlog.EventStepStarted,
		NodeName:    step.Step,
		NodeInstance: nodeInstance,
		Status:      "running",
	}); err != nil {
		return err
	}

	if step.Pass {
		if err := b.execs.setStepResult(ctx, exec.ExecutionID, step.Step, map[string]any{"passed": true}); err != nil {
			return err
		}
		if _, err := b.events.Append(ctx, eventlog.Event{
			ExecutionID:  exec.ExecutionID,
			EventType:    eventlog.EventStepCompleted,
			NodeName:     step.Step,
			NodeInstance: nodeInstance,
			Status:       "ok",
			Payload:      map[string]any{"passed": true},
		}); err != nil {
			return err
		}
		return b.stepExit(ctx, exec.ExecutionID, step, "ok")
	}

	if step.Loop != nil {
		return b.enterLoopStep(ctx, exec, step, stepEventID, nodeInstance)
	}

	return b.enqueuePipelineTask(ctx, exec, step, 0, nodeInstance, nil)
}

// enterLoopStep materializes the loop's iteration collection (§4.4
// transition 3) and enqueues the initial iteration(s): one for
// sequential mode, up to `concurrency` for async mode.
func (b *Broker) enterLoopStep(ctx context.Context, exec *Execution, step *playbook.Step, stepEventID int64, nodeInstance string) error {
	tmplCtx := template.Context{Workload: exec.Workload, Ctx: exec.Ctx, StepResults: exec.StepResults, ExecutionID: exec.ExecutionID}
	collection, err := renderCollection(step.Loop.In, tmplCtx)
	if err != nil {
		return err
	}

	items, err := tool.ApplyLoopFilters(collection, step.Loop.Element, step.Loop.Where, step.Loop.OrderBy, step.Loop.Limit, step.Loop.Chunk)
	if err != nil {
		return err
	}

	if _, err := b.loops.Init(ctx, exec.ExecutionID, step.Step, stepEventID, items); err != nil {
		return err
	}

	if len(items) == 0 {
		if err := b.execs.setStepResult(ctx, exec.ExecutionID, step.Step, map[string]any{"results": []any{}}); err != nil {
			return err
		}
		if _, err := b.events.Append(ctx, eventlog.Event{
			ExecutionID: exec.ExecutionID, EventType: eventlog.EventStepCompleted,
			NodeName: step.Step, NodeInstance: nodeInstance, Status: "ok",
			Payload: map[string]any{"results": []any{}},
		}); err != nil {
			return err
		}
		return b.stepExit(ctx, exec.ExecutionID, step, "ok")
	}

	mode := step.Loop.Mode
	if mode == "" {
		mode = string(loopSequential)
	}
	inFlight := 1
	if mode == string(loopAsync) {
		inFlight = step.Loop.Concurrency
		if inFlight <= 0 {
			inFlight = 1
		}
		if inFlight > len(items) {
			inFlight = len(items)
		}
	}

	for i := 0; i < inFlight; i++ {
		if err := b.enqueueIteration(ctx, exec, step, stepEventID, nodeInstance, i, len(items), mode, items[i]); err != nil {
			return err
		}
	}
	return nil
}

type loopMode string

const (
	loopSequential loopMode = "sequential"
	loopAsync      loopMode = "async"
)

func renderCollection(expr string, ctx template.Context) ([]any, error) {
	wrapped := expr
	if !hasDelimiters(expr) {
		wrapped = "{{ " + expr + " }}"
	}
	rendered, _, err := template.Render(wrapped, ctx)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal([]byte(rendered), &items); err != nil {
		return nil, noetlerr.Resolution(fmt.Sprintf("broker: loop.in %q did not resolve to a JSON array: %v", expr, err))
	}
	return items, nil
}

func hasDelimiters(s string) bool {
	return len(s) > 4 && s[0:2] == "{{" && s[len(s)-2:] == "}}"
}

func (b *Broker) enqueueIteration(ctx context.Context, exec *Execution, step *playbook.Step, loopEventID int64, nodeInstance string, index, count int, mode string, item any) error {
	task := step.Tool[0]
	action := TaskAction{
		StepName:     step.Step,
		NodeInstance: nodeInstance,
		TaskIndex:    0,
		TotalTasks:   1,
		Kind:         task.Kind,
		Config:       task.Config,
		Auth:         step.Auth,
		Retry:        resolveRetry(step.Retry),
		Loop:         true,
		LoopEventID:  loopEventID,
		IterIndex:    index,
		IterCount:    count,
		IterMode:     mode,
		Iter:         item,
	}
	_, err := b.queue.Enqueue(ctx, exec.ExecutionID, 0, action.toMap(), action.Retry.MaxAttempts, 0)
	return err
}

func (b *Broker) enqueuePipelineTask(ctx context.Context, exec *Execution, step *playbook.Step, taskIndex int, nodeInstance string, retry *RetrySpec) error {
	task := step.Tool[taskIndex]
	r := resolveRetry(step.Retry)
	if retry != nil {
		r = *retry
	}
	action := TaskAction{
		StepName:     step.Step,
		NodeInstance: nodeInstance,
		TaskIndex:    taskIndex,
		TotalTasks:   len(step.Tool),
		Kind:         task.Kind,
		Config:       task.Config,
		Auth:         step.Auth,
		Retry:        r,
	}
	_, err := b.queue.Enqueue(ctx, exec.ExecutionID, 0, action.toMap(), action.Retry.MaxAttempts, 0)
	return err
}

// onActionCompleted implements §4.4 transition 4 (task completion) and,
// for a pipeline's final task, transition 5 (step exit).
func (b *Broker) onActionCompleted(ctx context.Context, ev eventlog.Event) error {
	meta, ok := decodeMeta(ev.Payload)
	if !ok {
		return nil
	}
	result := decodeResult(ev.Payload)

	exec, err := b.execs.get(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	doc, err := b.loadPlaybook(ctx, exec)
	if err != nil {
		return err
	}
	step, ok := doc.StepByName(meta.StepName)
	if !ok {
		return noetlerr.Validation(fmt.Sprintf("broker: step %q not found in playbook", meta.StepName))
	}

	if meta.Loop {
		return b.onLoopTaskCompleted(ctx, exec, doc, step, meta, result)
	}

	if meta.TaskIndex+1 < meta.TotalTasks {
		return b.enqueuePipelineTask(ctx, exec, step, meta.TaskIndex+1, meta.NodeInstance, nil)
	}

	if err := b.execs.setStepResult(ctx, exec.ExecutionID, step.Step, result); err != nil {
		return err
	}
	if _, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: exec.ExecutionID, EventType: eventlog.EventStepCompleted,
		NodeName: step.Step, NodeInstance: meta.NodeInstance, Status: "ok", Payload: result,
	}); err != nil {
		return err
	}
	return b.stepExit(ctx, exec.ExecutionID, step, "ok")
}

// onLoopTaskCompleted implements §4.4 transition 4's loop branch: append
// the iteration's result, then either advance (sequential), top up the
// in-flight window (async), or emit step_completed once every iteration
// is accounted for (invariant 6, scenario S4/S5).
func (b *Broker) onLoopTaskCompleted(ctx context.Context, exec *Execution, doc *playbook.Document, step *playbook.Step, meta CompletionMeta, result map[string]any) error {
	state, err := b.appendLoopResult(ctx, exec.ExecutionID, step.Step, meta.LoopEventID, result)
	if err != nil {
		return err
	}

	if !state.Completed {
		// state.Index counts finished iterations. Async mode enqueued its
		// first `concurrency` items up front, so the next unstarted item
		// lies concurrency-1 past the finished count.
		next := state.Index
		if meta.IterMode == string(loopAsync) && step.Loop.Concurrency > 1 {
			next += step.Loop.Concurrency - 1
		}
		if next < state.Count {
			return b.enqueueIteration(ctx, exec, step, meta.LoopEventID, meta.NodeInstance, next, state.Count, meta.IterMode, state.Collection[next])
		}
		return nil
	}

	aggregated := map[string]any{"results": state.Results, "count": len(state.Results)}
	if err := b.execs.setStepResult(ctx, exec.ExecutionID, step.Step, aggregated); err != nil {
		return err
	}
	if err := b.loops.Archive(ctx, exec.ExecutionID, step.Step, meta.LoopEventID); err != nil {
		return err
	}
	if _, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: exec.ExecutionID, EventType: eventlog.EventStepCompleted,
		NodeName: step.Step, NodeInstance: meta.NodeInstance, Status: "ok", Payload: aggregated,
	}); err != nil {
		return err
	}
	return b.stepExit(ctx, exec.ExecutionID, step, "ok")
}

// appendLoopResult reads the loop's live version and appends under that
// version, retrying on a lost CAS race (§4.5 "Loop awareness": concurrent
// async iterations never lose an update). A handful of attempts is enough
// since contention is limited by loop.concurrency.
func (b *Broker) appendLoopResult(ctx context.Context, executionID int64, stepName string, loopEventID int64, result map[string]any) (*loopstate.State, error) {
	var lastErr error
	for attempt := 0; attempt < 8; attempt++ {
		current, err := b.loops.Get(ctx, executionID, stepName, loopEventID)
		if err != nil {
			return nil, err
		}
		state, err := b.loops.AppendResult(ctx, executionID, stepName, loopEventID, current.Version, result)
		if err == nil {
			return state, nil
		}
		if !noetlerr.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("broker: appending loop result for %s event=%d: %w", stepName, loopEventID, lastErr)
}

// onActionError implements the terminal half of §4.4's failure handling:
// once a job has exhausted retries (Queue.Fail already moved it to
// `dead`), the broker decides whether the step has a failure arc or the
// whole execution fails (§4.4 "Failure handling at the broker").
func (b *Broker) onActionError(ctx context.Context, ev eventlog.Event) error {
	queueIDf, ok := ev.Payload["queue_id"].(float64)
	if !ok {
		return nil
	}
	job, err := b.queue.Get(ctx, int64(queueIDf))
	if err != nil {
		return err
	}
	if job.Status != queue.StatusDead {
		// Still retrying; the broker has nothing to do until it either
		// completes or is finally dead-lettered.
		return nil
	}

	action, err := DecodeTaskAction(job.Action)
	if err != nil {
		return err
	}

	exec, err := b.execs.get(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	doc, err := b.loadPlaybook(ctx, exec)
	if err != nil {
		return err
	}
	step, ok := doc.StepByName(action.StepName)
	if !ok {
		return noetlerr.Validation(fmt.Sprintf("broker: step %q not found in playbook", action.StepName))
	}

	errResult := map[string]any{"status": "error", "queue_id": job.QueueID}
	if err := b.execs.setStepResult(ctx, exec.ExecutionID, step.Step, errResult); err != nil {
		return err
	}
	if _, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: exec.ExecutionID, EventType: eventlog.EventStepCompleted,
		NodeName: step.Step, NodeInstance: action.NodeInstance, Status: "error", Payload: errResult,
	}); err != nil {
		return err
	}
	return b.stepExit(ctx, exec.ExecutionID, step, "error")
}

// stepExit implements §4.4 transition 5: evaluate `next` arcs in
// declaration order (first match wins, §9 Open Question 1), falling back
// to `else` if present. If the branch has no matching arc it terminates;
// once no active jobs remain for the execution, it completes (transition
// 6). If the step failed and has no matching arc at all, the whole
// execution fails (§4.4 "Failure handling").
func (b *Broker) stepExit(ctx context.Context, executionID int64, step *playbook.Step, status string) error {
	exec, err := b.execs.get(ctx, executionID)
	if err != nil {
		return err
	}

	evalData := map[string]any{}
	for k, v := range exec.Ctx {
		evalData[k] = v
	}
	evalData["workload"] = exec.Workload

	var targets []string
	matched := false
	for _, arc := range step.Next {
		if arc.Else {
			targets, matched = arc.Then, true
			break
		}
		ok, err := condition.Eval(arc.When, evalData)
		if err != nil {
			return err
		}
		if ok {
			targets, matched = arc.Then, true
			break
		}
	}

	if !matched {
		if status == "error" {
			return b.failExecution(ctx, executionID, step.Step)
		}
		return b.maybeComplete(ctx, executionID)
	}

	doc, err := b.loadPlaybook(ctx, exec)
	if err != nil {
		return err
	}
	for _, target := range targets {
		targetStep, ok := doc.StepByName(target)
		if !ok {
			return noetlerr.Validation(fmt.Sprintf("broker: next.then references unknown step %q", target))
		}
		if err := b.enterStep(ctx, exec, doc, targetStep); err != nil {
			return err
		}
	}
	return nil
}

// maybeComplete closes the execution once no queue rows remain for it
// (§4.4 transition 6). This is an approximation of "all live branches
// terminated": with no in-memory branch tracking, an empty active-job
// count is the externally observable proxy for it.
func (b *Broker) maybeComplete(ctx context.Context, executionID int64) error {
	active, err := b.queue.CountActive(ctx, executionID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	if err := b.execs.markStatus(ctx, executionID, StatusCompleted); err != nil {
		return err
	}
	_, err = b.events.Append(ctx, eventlog.Event{ExecutionID: executionID, EventType: eventlog.EventExecutionComplete, Status: "completed"})
	return err
}

func (b *Broker) failExecution(ctx context.Context, executionID int64, failingStep string) error {
	if _, err := b.queue.MarkDeadForExecution(ctx, executionID); err != nil {
		return err
	}
	if err := b.execs.markStatus(ctx, executionID, StatusFailed); err != nil {
		return err
	}
	_, err := b.events.Append(ctx, eventlog.Event{
		ExecutionID: executionID, EventType: eventlog.EventExecutionFailed, Status: "failed",
		Payload: map[string]any{"failing_step": failingStep},
	})
	return err
}
