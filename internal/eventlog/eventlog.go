// Package eventlog implements the append-only execution event history
// (SPEC_FULL.md §4.2), grounded on the teacher's db/event_store.go
// append-only workflow_events table and query methods, generalized with
// the parent_event_id/node_name/node_instance/status columns and the
// event-claim table the spec's broker concurrency model requires (§4.4).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/idgen"
)

// EventType enumerates the persisted event taxonomy (§6).
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionComplete  EventType = "execution_complete"
	EventExecutionFailed    EventType = "execution_failed"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventActionStarted      EventType = "action_started"
	EventActionCompleted    EventType = "action_completed"
	EventActionError        EventType = "action_error"
	EventActionRetry        EventType = "action_retry"
	EventResourceRegistered EventType = "resource_registered"
	EventResourceUpdated    EventType = "resource_updated"
	EventResourceUnchanged  EventType = "resource_unchanged"
	EventLeaseLost          EventType = "lease_lost"
)

// Event is one append-only row (§3 "Event").
type Event struct {
	EventID       int64
	ExecutionID   int64
	ParentEventID *int64
	EventType     EventType
	NodeName      string
	NodeInstance  string
	Status        string
	Payload       map[string]any
	CreatedAt     int64 // unix millis; not populated by Stream or Unclaimed
}

// EventLog is the Postgres-backed append-only log.
type EventLog struct {
	db  *db.Postgres
	ids *idgen.Generator
}

// New constructs an EventLog bound to the shared Postgres pool and id
// generator.
func New(pg *db.Postgres, ids *idgen.Generator) *EventLog {
	return &EventLog{db: pg, ids: ids}
}

// Append allocates a fresh event_id and writes the row. Never blocks on
// readers; at-least-once from the producer's perspective, so consumers
// must be idempotent with respect to event_id (§4.2).
func (l *EventLog) Append(ctx context.Context, e Event) (int64, error) {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshaling payload: %w", err)
	}

	id := l.ids.Next()
	_, err = l.db.Exec(ctx, `
		INSERT INTO events (event_id, execution_id, parent_event_id, event_type, node_name, node_instance, status, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, e.ExecutionID, e.ParentEventID, string(e.EventType), e.NodeName, e.NodeInstance, e.Status, payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: inserting event: %w", err)
	}
	return id, nil
}

// Stream returns events for execution_id in event_id order, optionally
// starting after fromEventID. Used by the broker and by status-reporting
// clients (§4.2).
func (l *EventLog) Stream(ctx context.Context, executionID int64, fromEventID int64) ([]Event, error) {
	rows, err := l.db.Query(ctx, `
		SELECT event_id, execution_id, parent_event_id, event_type, coalesce(node_name,''),
			   coalesce(node_instance,''), coalesce(status,''), payload
		FROM events
		WHERE execution_id=$1 AND event_id > $2
		ORDER BY event_id ASC
	`, executionID, fromEventID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: streaming execution %d: %w", executionID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var parentEventID *int64
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &parentEventID, &e.EventType,
			&e.NodeName, &e.NodeInstance, &e.Status, &payload); err != nil {
			return nil, err
		}
		e.ParentEventID = parentEventID
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Unclaimed returns up to limit events with no row in event_claims yet,
// oldest first. The broker's poll loop (internal/broker) uses this as its
// work list: claim-then-handle keeps enqueueing exactly-once per event
// even with multiple broker instances running (§4.4 "Concurrency").
func (l *EventLog) Unclaimed(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.Query(ctx, `
		SELECT e.event_id, e.execution_id, e.parent_event_id, e.event_type, coalesce(e.node_name,''),
			   coalesce(e.node_instance,''), coalesce(e.status,''), e.payload
		FROM events e
		LEFT JOIN event_claims c ON c.event_id = e.event_id
		WHERE c.event_id IS NULL
		ORDER BY e.event_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: listing unclaimed events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var parentEventID *int64
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &parentEventID, &e.EventType,
			&e.NodeName, &e.NodeInstance, &e.Status, &payload); err != nil {
			return nil, err
		}
		e.ParentEventID = parentEventID
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim establishes single-consumer semantics for event_id: the first
// worker/broker instance to insert wins (§4.2). Returns true if this
// caller won the claim.
func (l *EventLog) Claim(ctx context.Context, eventID int64, workerID string) (bool, error) {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO event_claims (event_id, worker_id) VALUES ($1,$2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, workerID)
	if err != nil {
		return false, fmt.Errorf("eventlog: claiming event %d: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
