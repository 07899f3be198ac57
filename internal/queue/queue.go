// Package queue implements the durable, leased job queue (SPEC_FULL.md
// §4.3): queued -> leased -> {done, retry, dead}, with lease-expiry
// reclamation. Grounded on the teacher's db/state_store.go phase-machine
// idiom (build SQL -> Exec/QueryRow -> check RowsAffected()==0 -> return a
// descriptive error) rather than queue/redis/queue.go, whose blocking-list
// semantics cannot express row-level leasing with SKIP LOCKED.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/leasetoken"
	"noetl.io/noetl/internal/noetlerr"
)

// Status is a queue job's state-machine position (§4.3).
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusRetry  Status = "retry"
	StatusDead   Status = "dead"
	StatusDone   Status = "done"
)

// RetryPolicy configures backoff and conditional retry for a job (§4.3,
// §6 task `retry` block).
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Backoff computes the delay before attempt number `attempts` is eligible,
// per §4.3: min(max_delay, initial_delay * m^(attempts-1)), zero when
// initial_delay is zero. Delegates the exponential-growth arithmetic to
// cenkalti/backoff's ExponentialBackOff rather than hand-rolling
// math.Pow, driving it with randomization disabled so the sequence of
// attempt delays stays deterministic for a given policy.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if p.InitialDelay <= 0 || attempts <= 0 {
		return 0
	}
	m := p.BackoffMultiplier
	if m <= 0 {
		m = 1
	}
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = 365 * 24 * time.Hour
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = m
	bo.MaxInterval = maxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = bo.NextBackOff()
		if d == backoff.Stop {
			return maxInterval
		}
	}
	return d
}

// Job is one row of the queue table (§3 "Queue job").
type Job struct {
	QueueID        int64
	ExecutionID    int64
	CatalogID      int64
	Action         map[string]any
	Status         Status
	Attempts       int
	MaxAttempts    int
	Priority       int
	AvailableAt    time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string

	// LeaseToken is a signed JWT proving a worker holds this lease (§2.2
	// "JWT"), minted by Lease and re-verified by the worker before
	// dispatch. Empty when the queue was constructed with no secret,
	// which disables lease-token verification entirely.
	LeaseToken string
}

// Queue is the Postgres-backed leased job queue.
type Queue struct {
	db     *db.Postgres
	events *eventlog.EventLog
	ids    *idgen.Generator
	secret []byte
}

// New constructs a Queue bound to the shared Postgres pool, event log, and
// id generator. leaseSecret signs each lease's JWT (§2.2 "JWT"); pass nil
// to run without lease-token verification.
func New(pg *db.Postgres, events *eventlog.EventLog, ids *idgen.Generator, leaseSecret []byte) *Queue {
	return &Queue{db: pg, events: events, ids: ids, secret: leaseSecret}
}

// Enqueue inserts a new job with status=queued, attempts=0,
// available_at=now (§4.3).
func (q *Queue) Enqueue(ctx context.Context, executionID, catalogID int64, action map[string]any, maxAttempts, priority int) (int64, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return 0, fmt.Errorf("queue: marshaling action: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	id := q.ids.Next()
	_, err = q.db.Exec(ctx, `
		INSERT INTO queue_jobs (queue_id, execution_id, catalog_id, action, status, attempts, max_attempts, priority, available_at)
		VALUES ($1,$2,$3,$4,'queued',0,$5,$6,now())
	`, id, executionID, catalogID, payload, maxAttempts, priority)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueuing job: %w", err)
	}
	return id, nil
}

// Lease atomically selects up to capacity eligible rows ordered by
// (priority desc, queue_id asc) and marks them leased, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never contend on
// the same row (§4.3, §5 "Shared-resource policy").
func (q *Queue) Lease(ctx context.Context, workerID string, capacity int, leaseDuration time.Duration, now time.Time) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: starting lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT queue_id FROM queue_jobs
		WHERE status IN ('queued','retry') AND available_at <= $1
		ORDER BY priority DESC, queue_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, capacity)
	if err != nil {
		return nil, fmt.Errorf("queue: selecting lease candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	leaseExpires := now.Add(leaseDuration)
	leased := make([]Job, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, `
			UPDATE queue_jobs
			SET status='leased', worker_id=$1, lease_expires_at=$2, attempts=attempts+1, updated_at=now()
			WHERE queue_id=$3
			RETURNING queue_id, execution_id, coalesce(catalog_id,0), action, status, attempts, max_attempts, priority, available_at, lease_expires_at, worker_id
		`, workerID, leaseExpires, id)

		var j Job
		var action []byte
		if err := row.Scan(&j.QueueID, &j.ExecutionID, &j.CatalogID, &action, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.Priority, &j.AvailableAt, &j.LeaseExpiresAt, &j.WorkerID); err != nil {
			return nil, fmt.Errorf("queue: updating leased row %d: %w", id, err)
		}
		_ = json.Unmarshal(action, &j.Action)

		if len(q.secret) > 0 {
			token, terr := leasetoken.Issue(q.secret, j.QueueID, j.ExecutionID, workerID, leaseExpires)
			if terr != nil {
				return nil, fmt.Errorf("queue: minting lease token for job %d: %w", id, terr)
			}
			j.LeaseToken = token
		}
		leased = append(leased, j)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: committing lease tx: %w", err)
	}
	return leased, nil
}

// Renew extends lease_expires_at for a row this worker holds. Fails if the
// row is not currently leased by workerID (§4.3).
func (q *Queue) Renew(ctx context.Context, queueID int64, workerID string, leaseDuration time.Duration, now time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET lease_expires_at=$1, updated_at=now()
		WHERE queue_id=$2 AND worker_id=$3 AND status='leased'
	`, now.Add(leaseDuration), queueID, workerID)
	if err != nil {
		return fmt.Errorf("queue: renewing lease on %d: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return noetlerr.TransientInfra(fmt.Sprintf("queue: lease on job %d not held by worker %s", queueID, workerID), nil)
	}
	return nil
}

// Complete marks a job done and emits action_completed (§4.3).
func (q *Queue) Complete(ctx context.Context, queueID int64, workerID string, result map[string]any) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET status='done', updated_at=now()
		WHERE queue_id=$1 AND worker_id=$2 AND status='leased'
	`, queueID, workerID)
	if err != nil {
		return fmt.Errorf("queue: completing job %d: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: job %d not leased by worker %s", queueID, workerID)
	}

	if q.events != nil {
		job, err := q.get(ctx, queueID)
		if err == nil {
			payload := map[string]any{"queue_id": queueID}
			for k, v := range result {
				payload[k] = v
			}
			_, _ = q.events.Append(ctx, eventlog.Event{
				ExecutionID: job.ExecutionID,
				EventType:   eventlog.EventActionCompleted,
				Status:      "ok",
				Payload:     payload,
			})
		}
	}
	return nil
}

// Fail applies §4.3's Fail transition: dead if non-retryable or attempts
// exhausted, else retry with exponential backoff; emits action_error and,
// on retry, action_retry.
func (q *Queue) Fail(ctx context.Context, queueID int64, workerID string, policy RetryPolicy, failErr error, retryable bool) error {
	job, err := q.get(ctx, queueID)
	if err != nil {
		return err
	}

	if !retryable || job.Attempts >= policy.MaxAttempts {
		tag, err := q.db.Exec(ctx, `
			UPDATE queue_jobs SET status='dead', updated_at=now()
			WHERE queue_id=$1 AND worker_id=$2 AND status='leased'
		`, queueID, workerID)
		if err != nil {
			return fmt.Errorf("queue: deadletter job %d: %w", queueID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("queue: job %d not leased by worker %s", queueID, workerID)
		}
		q.emitError(ctx, job, failErr, false)
		return nil
	}

	delay := policy.Backoff(job.Attempts)
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET status='retry', available_at=now()+$1::interval, updated_at=now()
		WHERE queue_id=$2 AND worker_id=$3 AND status='leased'
	`, fmt.Sprintf("%d milliseconds", delay.Milliseconds()), queueID, workerID)
	if err != nil {
		return fmt.Errorf("queue: scheduling retry for job %d: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: job %d not leased by worker %s", queueID, workerID)
	}
	q.emitError(ctx, job, failErr, true)
	return nil
}

func (q *Queue) emitError(ctx context.Context, job Job, failErr error, retrying bool) {
	if q.events == nil {
		return
	}
	msg := ""
	if failErr != nil {
		msg = failErr.Error()
	}
	var kind noetlerr.Kind
	var classified *noetlerr.Error
	if errors.As(failErr, &classified) {
		kind = classified.Kind
	}
	_, _ = q.events.Append(ctx, eventlog.Event{
		ExecutionID: job.ExecutionID,
		EventType:   eventlog.EventActionError,
		Status:      "error",
		Payload:     map[string]any{"queue_id": job.QueueID, "error": msg, "kind": string(kind)},
	})
	if retrying {
		_, _ = q.events.Append(ctx, eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventActionRetry,
			Status:      "retry",
			Payload:     map[string]any{"queue_id": job.QueueID, "attempts": job.Attempts},
		})
	}
}

// Sweep reclaims rows whose lease has expired: leased -> queued, without
// increasing attempts (§4.3). Emits a lease_lost event per reclaimed row.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE queue_jobs SET status='queued', worker_id=NULL, lease_expires_at=NULL, updated_at=now()
		WHERE status='leased' AND lease_expires_at < $1
		RETURNING queue_id, execution_id
	`, now)
	if err != nil {
		return 0, fmt.Errorf("queue: sweeping expired leases: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var queueID, executionID int64
		if err := rows.Scan(&queueID, &executionID); err != nil {
			return count, err
		}
		count++
		if q.events != nil {
			_, _ = q.events.Append(ctx, eventlog.Event{
				ExecutionID: executionID,
				EventType:   eventlog.EventLeaseLost,
				Payload:     map[string]any{"queue_id": queueID},
			})
		}
	}
	return count, rows.Err()
}

// MarkDeadForExecution transitions every non-terminal job of an execution
// to dead, used by cancellation (§4.5, §5) and broker failure handling
// (§4.4 "all in-flight jobs for that execution are marked dead").
func (q *Queue) MarkDeadForExecution(ctx context.Context, executionID int64) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET status='dead', updated_at=now()
		WHERE execution_id=$1 AND status IN ('queued','retry','leased')
	`, executionID)
	if err != nil {
		return 0, fmt.Errorf("queue: deadlettering execution %d: %w", executionID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *Queue) get(ctx context.Context, queueID int64) (Job, error) {
	row := q.db.QueryRow(ctx, `
		SELECT queue_id, execution_id, coalesce(catalog_id,0), action, status, attempts, max_attempts, priority, available_at, lease_expires_at, coalesce(worker_id,'')
		FROM queue_jobs WHERE queue_id=$1
	`, queueID)
	var j Job
	var action []byte
	if err := row.Scan(&j.QueueID, &j.ExecutionID, &j.CatalogID, &action, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.Priority, &j.AvailableAt, &j.LeaseExpiresAt, &j.WorkerID); err != nil {
		return Job{}, noetlerr.NotFound(fmt.Sprintf("queue: job %d not found: %v", queueID, err))
	}
	_ = json.Unmarshal(action, &j.Action)
	return j, nil
}

// Get exposes a single job row, used by the worker to re-read state after
// Lease.
func (q *Queue) Get(ctx context.Context, queueID int64) (Job, error) {
	return q.get(ctx, queueID)
}

// CountActive reports how many non-terminal rows (queued, retry, leased)
// remain for an execution, used by the broker's execution-complete check
// (§4.4 transition 6: "no jobs remain for this execution_id").
func (q *Queue) CountActive(ctx context.Context, executionID int64) (int, error) {
	row := q.db.QueryRow(ctx, `
		SELECT count(*) FROM queue_jobs
		WHERE execution_id=$1 AND status IN ('queued','retry','leased')
	`, executionID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: counting active jobs for execution %d: %w", executionID, err)
	}
	return n, nil
}
