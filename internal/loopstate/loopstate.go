// Package loopstate implements per-execution, per-step-instance loop
// iteration state (SPEC_FULL.md §3 "Loop state", §4.4 transition 3/4),
// keyed by (execution_id, step_name, event_id) so repeated step names
// never share state (invariant 6, scenario S5). Grounded on
// db/state_store.go's pgx query-then-RowsAffected idiom for the CAS
// update; the teacher's statemanager/manager.go is in-memory only and
// cannot give the cross-process durability the spec requires, so it
// grounds only the shape (index/results/count fields), not the storage.
package loopstate

import (
	"context"
	"encoding/json"
	"fmt"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/noetlerr"
)

// Mode is the loop's iteration strategy (§6 `loop.mode`).
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeAsync      Mode = "async"
)

// State is one loop instance's snapshot (§3 "Loop state").
type State struct {
	ExecutionID int64
	StepName    string
	EventID     int64
	Collection  []any
	Index       int
	Count       int
	Results     []any
	Version     int
	Completed   bool
}

// Store is the Postgres-backed loop state table.
type Store struct {
	db *db.Postgres
}

// New constructs a Store bound to the shared Postgres pool.
func New(pg *db.Postgres) *Store {
	return &Store{db: pg}
}

// Init creates loop state on a step's first iteration enter (§4.4
// transition 3). Re-initializing an existing (execution_id, step_name,
// event_id) is a no-op returning the existing row, since event_id already
// uniquely scopes one loop instance.
func (s *Store) Init(ctx context.Context, executionID int64, stepName string, eventID int64, collection []any) (*State, error) {
	collectionJSON, err := json.Marshal(collection)
	if err != nil {
		return nil, fmt.Errorf("loopstate: marshaling collection: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO loop_states (execution_id, step_name, event_id, collection, index, count, results, version, completed)
		VALUES ($1,$2,$3,$4,0,$5,'[]',0,false)
		ON CONFLICT (execution_id, step_name, event_id) DO NOTHING
	`, executionID, stepName, eventID, collectionJSON, len(collection))
	if err != nil {
		return nil, fmt.Errorf("loopstate: initializing: %w", err)
	}
	return s.Get(ctx, executionID, stepName, eventID)
}

// Get reads the current loop state.
func (s *Store) Get(ctx context.Context, executionID int64, stepName string, eventID int64) (*State, error) {
	row := s.db.QueryRow(ctx, `
		SELECT collection, index, count, results, version, completed
		FROM loop_states WHERE execution_id=$1 AND step_name=$2 AND event_id=$3
	`, executionID, stepName, eventID)

	var st State
	st.ExecutionID, st.StepName, st.EventID = executionID, stepName, eventID
	var collection, results []byte
	if err := row.Scan(&collection, &st.Index, &st.Count, &results, &st.Version, &st.Completed); err != nil {
		return nil, noetlerr.NotFound(fmt.Sprintf("loopstate: no state for execution=%d step=%s event=%d: %v", executionID, stepName, eventID, err))
	}
	_ = json.Unmarshal(collection, &st.Collection)
	_ = json.Unmarshal(results, &st.Results)
	return &st, nil
}

// AppendResult atomically appends one iteration's result and advances the
// index, using an optimistic compare-and-set on the version column so
// concurrent async iterations never lose an update (§4.5 "Loop
// awareness"). Returns the updated state; if expectedVersion is stale,
// returns a TransientInfraError so the caller can re-read and retry.
func (s *Store) AppendResult(ctx context.Context, executionID int64, stepName string, eventID int64, expectedVersion int, result any) (*State, error) {
	current, err := s.Get(ctx, executionID, stepName, eventID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, noetlerr.TransientInfra(fmt.Sprintf("loopstate: version conflict for %s event=%d: have %d want %d", stepName, eventID, current.Version, expectedVersion), nil)
	}

	results := append(current.Results, result)
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("loopstate: marshaling results: %w", err)
	}

	completed := current.Index+1 >= current.Count

	tag, err := s.db.Exec(ctx, `
		UPDATE loop_states
		SET results=$1, index=index+1, version=version+1, completed=$2, updated_at=now()
		WHERE execution_id=$3 AND step_name=$4 AND event_id=$5 AND version=$6
	`, resultsJSON, completed, executionID, stepName, eventID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("loopstate: appending result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, noetlerr.TransientInfra(fmt.Sprintf("loopstate: concurrent update lost the race for %s event=%d", stepName, eventID), nil)
	}

	return s.Get(ctx, executionID, stepName, eventID)
}

// Archive marks a completed loop's state eligible for cleanup. The row is
// kept (not deleted) so the final step_completed payload and any late
// status query can still read the aggregated results; retention policy
// governs actual deletion, matching the event log's own partition-based
// retention rather than queue-row deletion semantics.
func (s *Store) Archive(ctx context.Context, executionID int64, stepName string, eventID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE loop_states SET completed=true, updated_at=now()
		WHERE execution_id=$1 AND step_name=$2 AND event_id=$3
	`, executionID, stepName, eventID)
	if err != nil {
		return fmt.Errorf("loopstate: archiving %s event=%d: %w", stepName, eventID, err)
	}
	return nil
}
