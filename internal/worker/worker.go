// Package worker leases queued jobs, dispatches them to the tool
// registry, and reports completion back through the event log
// (SPEC_FULL.md §4.5). Grounded on worker/pool.go's Pool/Worker
// Start/Stop shape, generalized from a single blocking Dequeue call per
// worker to a batch Lease call feeding a bounded pool of goroutines, since
// §4.3's queue is a leased Postgres table, not a blocking list.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/condition"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/keychain"
	"noetl.io/noetl/internal/leasetoken"
	"noetl.io/noetl/internal/logging"
	"noetl.io/noetl/internal/noetlerr"
	"noetl.io/noetl/internal/queue"
	"noetl.io/noetl/internal/template"
	"noetl.io/noetl/internal/tool"
)

// Config tunes one Worker's leasing behavior (§4.3, §5 "Shared-resource
// policy").
type Config struct {
	WorkerID      string
	Capacity      int           // max concurrently-leased jobs
	LeaseDuration time.Duration
	PollInterval  time.Duration

	// LeaseSecret verifies each leased job's JWT (§2.2 "JWT") before
	// dispatch; must match the secret the Queue was constructed with.
	// Empty disables verification, matching an unconfigured Queue.
	LeaseSecret []byte
}

// DefaultConfig returns sensible defaults for a single worker process.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:      workerID,
		Capacity:      8,
		LeaseDuration: 30 * time.Second,
		PollInterval:  500 * time.Millisecond,
	}
}

// Worker leases and executes queue jobs. A process may run one Worker per
// tool-capacity pool; multiple Worker instances (and processes) may lease
// from the same queue concurrently (§5 "Concurrency").
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	events   *eventlog.EventLog
	tools    *tool.Registry
	auth     *keychain.Resolver
	broker   *broker.Broker
	logger   *logging.ContextLogger
	inflight sync.WaitGroup
}

// New constructs a Worker bound to the shared queue, event log, tool
// registry, credential resolver, and broker (for reading execution
// context and checking for cancellation).
func New(cfg Config, q *queue.Queue, events *eventlog.EventLog, tools *tool.Registry, auth *keychain.Resolver, b *broker.Broker, logger *logging.ContextLogger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{cfg: cfg, queue: q, events: events, tools: tools, auth: auth, broker: b, logger: logger}
}

// Run leases and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to finish (§4.5 "Worker loop"), matching the teacher's
// Pool.Start/Stop shape with ctx.Done() in place of a stopChan.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	// slots holds one entry per job this worker is running, so a poll only
	// leases the unused part of Capacity.
	slots := make(chan struct{}, w.cfg.Capacity)

	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			return ctx.Err()
		case <-ticker.C:
			free := w.cfg.Capacity - len(slots)
			if free <= 0 {
				continue
			}
			jobs, err := w.queue.Lease(ctx, w.cfg.WorkerID, free, w.cfg.LeaseDuration, time.Now())
			if err != nil {
				w.logger.WithError(err).Error("lease failed")
				continue
			}
			for _, job := range jobs {
				job := job
				slots <- struct{}{}
				w.inflight.Add(1)
				go func() {
					defer func() { <-slots }()
					defer w.inflight.Done()
					w.handleJob(ctx, job)
				}()
			}
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, job queue.Job) {
	log := w.logger.WithFields(map[string]interface{}{
		"queue_id":     job.QueueID,
		"execution_id": job.ExecutionID,
		"worker_id":    w.cfg.WorkerID,
	})

	action, err := broker.DecodeTaskAction(job.Action)
	if err != nil {
		log.WithError(err).Error("decoding task action")
		_ = w.queue.Fail(ctx, job.QueueID, w.cfg.WorkerID, action.Retry.QueuePolicy(), err, false)
		return
	}

	if len(w.cfg.LeaseSecret) > 0 {
		if err := w.verifyLease(job); err != nil {
			log.WithError(err).Error("lease token verification failed")
			_ = w.queue.Fail(ctx, job.QueueID, w.cfg.WorkerID, queue.RetryPolicy{MaxAttempts: 0}, err, false)
			return
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go w.renewLoop(jobCtx, job.QueueID, renewDone)
	defer close(renewDone)

	exec, err := w.broker.GetExecution(jobCtx, job.ExecutionID)
	if err != nil {
		log.WithError(err).Error("reading execution context")
		_ = w.queue.Fail(ctx, job.QueueID, w.cfg.WorkerID, action.Retry.QueuePolicy(), err, false)
		return
	}
	if exec.Status != broker.StatusRunning {
		// The execution was cancelled or already terminated; drop the job
		// without retrying (§4.5 "Cancellation").
		_ = w.queue.Fail(ctx, job.QueueID, w.cfg.WorkerID, queue.RetryPolicy{MaxAttempts: 0}, fmt.Errorf("execution %d is %s", exec.ExecutionID, exec.Status), false)
		return
	}

	tmplCtx := template.Context{
		Workload:    exec.Workload,
		Ctx:         exec.Ctx,
		StepResults: exec.StepResults,
		Iter:        action.Iter,
		ExecutionID: exec.ExecutionID,
	}

	renderedConfig, touchedSecrets, err := template.RenderValue(action.Config, tmplCtx)
	if err != nil {
		w.fail(ctx, job, action, log, noetlerr.Resolution("rendering task config", err))
		return
	}
	configMap, _ := renderedConfig.(map[string]any)

	resolvedAuth, authSecrets, err := w.resolveAuth(jobCtx, action, exec.ExecutionID)
	if err != nil {
		w.fail(ctx, job, action, log, err)
		return
	}
	touchedSecrets = append(touchedSecrets, authSecrets...)

	// Every secret the rendered config or resolved auth touched must be
	// scrubbed from anything logged or persisted from here on (§4.5 step
	// 2, §8 invariant 8).
	log = log.WithSecrets(touchedSecrets)

	if _, err := w.events.Append(jobCtx, eventlog.Event{
		ExecutionID:  exec.ExecutionID,
		EventType:    eventlog.EventActionStarted,
		NodeName:     action.StepName,
		NodeInstance: action.NodeInstance,
		Status:       "running",
		Payload:      map[string]any{"queue_id": job.QueueID, "kind": action.Kind},
	}); err != nil {
		log.WithError(err).Warn("emitting action_started")
	}

	outcome, runErr := w.tools.Run(jobCtx, tool.Request{
		ExecutionID: exec.ExecutionID,
		StepName:    action.StepName,
		Kind:        action.Kind,
		Config:      configMap,
		Auth:        resolvedAuth,
	})

	// stop_when is evaluated first and is an early-success check: a match
	// completes the task even when the attempt returned an error. Otherwise
	// a successful outcome that matches retry_when is retried like a failure.
	stopped := false
	if action.Retry.StopWhen != "" {
		stop, evalErr := condition.Eval(action.Retry.StopWhen, outcome.Result)
		stopped = evalErr == nil && stop
	}
	if stopped {
		runErr = nil
	} else if runErr == nil && action.Retry.RetryWhen != "" {
		if match, evalErr := condition.Eval(action.Retry.RetryWhen, outcome.Result); evalErr == nil && match {
			runErr = noetlerr.Policy("retry_when matched: " + action.Retry.RetryWhen)
		}
	}

	if runErr != nil {
		retryable := outcome.Retryable || noetlerr.Retryable(runErr)
		if action.Retry.RetryWhen != "" {
			match, evalErr := condition.Eval(action.Retry.RetryWhen, outcome.Result)
			if evalErr == nil {
				retryable = match
			}
		}
		w.failWithRetry(ctx, job, action, log, runErr, retryable)
		return
	}

	meta := broker.CompletionMeta{
		StepName: action.StepName, NodeInstance: action.NodeInstance,
		TaskIndex: action.TaskIndex, TotalTasks: action.TotalTasks,
		Loop: action.Loop, LoopEventID: action.LoopEventID,
		IterIndex: action.IterIndex, IterCount: action.IterCount, IterMode: action.IterMode,
	}
	// Redact before the result is persisted into the action_completed
	// payload (§4.5 step 2, §8 invariant 8); condition.Eval above already
	// ran against the unredacted outcome.Result.
	redactedResult, _ := template.Redact(outcome.Result, touchedSecrets).(map[string]any)
	if err := w.queue.Complete(ctx, job.QueueID, w.cfg.WorkerID, broker.NewCompletion(meta, redactedResult)); err != nil {
		log.WithError(err).Error("completing job")
	}
}

// verifyLease checks the JWT Queue.Lease minted for job against this
// worker's configured secret, refusing to dispatch a job whose token was
// forged, expired, or issued to a different worker_id (§2.2 "JWT").
func (w *Worker) verifyLease(job queue.Job) error {
	claims, err := leasetoken.Verify(w.cfg.LeaseSecret, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("verifying lease token for job %d: %w", job.QueueID, err)
	}
	if claims.QueueID != job.QueueID || claims.ExecutionID != job.ExecutionID || claims.WorkerID != w.cfg.WorkerID {
		return fmt.Errorf("lease token for job %d does not match its claims", job.QueueID)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, job queue.Job, action broker.TaskAction, log *logging.ContextLogger, err error) {
	log.WithError(err).Warn("task failed before dispatch")
	w.failWithRetry(ctx, job, action, log, err, noetlerr.Retryable(err))
}

func (w *Worker) failWithRetry(ctx context.Context, job queue.Job, action broker.TaskAction, log *logging.ContextLogger, err error, retryable bool) {
	if ferr := w.queue.Fail(ctx, job.QueueID, w.cfg.WorkerID, action.Retry.QueuePolicy(), err, retryable); ferr != nil {
		log.WithError(ferr).Error("recording task failure")
	}
}

// resolveAuth renders and resolves every auth alias a step declares,
// dispatching to the provider named by each alias's `type` (§4.5 step 2:
// "credential_store, env, inline, secret_manager, bearer"). It also
// returns every resolved field value so the caller can redact them from
// anything logged or persisted (§8 invariant 8), same as
// template.RenderValue's touched-secrets list.
func (w *Worker) resolveAuth(ctx context.Context, action broker.TaskAction, executionID int64) (map[string]tool.Auth, []string, error) {
	if len(action.Auth) == 0 {
		return nil, nil, nil
	}
	out := make(map[string]tool.Auth, len(action.Auth))
	var secrets []string
	for alias, spec := range action.Auth {
		credentialName := spec.Credential
		if credentialName == "" {
			credentialName = spec.Env
		}
		if credentialName == "" {
			credentialName = spec.Secret
		}
		if credentialName == "" {
			credentialName = alias
		}

		var payload map[string]any
		var err error
		if spec.Type == "inline" {
			payload, _ = spec.Inline.(map[string]any)
		} else {
			payload, err = w.auth.Resolve(ctx, spec.Type, credentialName, executionID)
		}
		if err != nil {
			return nil, nil, noetlerr.Tool(fmt.Sprintf("resolving auth alias %q: %v", alias, err), err)
		}

		fields := make(map[string]string, len(payload))
		for k, v := range payload {
			str := fmt.Sprint(v)
			fields[k] = str
			secrets = append(secrets, str)
		}
		out[alias] = tool.Auth{Type: spec.Type, Fields: fields}
	}
	return out, secrets, nil
}

// renewLoop extends this worker's lease on queueID at half the lease
// duration until done is closed, so a long-running tool call never has
// its job reclaimed by Queue.Sweep mid-flight (§4.3 "Lease renewal").
func (w *Worker) renewLoop(ctx context.Context, queueID int64, done <-chan struct{}) {
	interval := w.cfg.LeaseDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.queue.Renew(ctx, queueID, w.cfg.WorkerID, w.cfg.LeaseDuration, time.Now())
		}
	}
}
