package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/noetlerr"
)

// Status mirrors the execution lifecycle §3 "Execution" defines.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Execution is the broker's projection of one workflow run: the merged
// template context, every completed step's result, and the event_id
// currently bound to each step name (§4.4 "state.step_event_ids"). All
// three live in Postgres alongside the execution row rather than in
// process memory, per §5: "no shared in-memory state is required between
// broker and workers; all coordination flows through the database."
type Execution struct {
	ExecutionID       int64
	ResourcePath      string
	ResourceVersion   string
	ParentExecutionID *int64
	Workload          map[string]any
	Ctx               map[string]any
	StepResults       map[string]any
	StepEventIDs      map[string]int64
	Status            Status
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// executions is the Postgres-backed store for the executions table,
// grounded on catalog.Catalog's Exec/QueryRow-then-scan idiom.
type executions struct {
	db *db.Postgres
}

func newExecutionStore(pg *db.Postgres) *executions {
	return &executions{db: pg}
}

// create inserts the root execution row for a fresh run (§4.4 transition 1).
func (s *executions) create(ctx context.Context, executionID int64, path, version string, parentExecutionID *int64, workload map[string]any) error {
	workloadJSON, err := json.Marshal(workload)
	if err != nil {
		return fmt.Errorf("broker: marshaling workload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (execution_id, resource_path, resource_version, parent_execution_id, workload, ctx, step_results, step_event_ids, status, started_at)
		VALUES ($1,$2,$3,$4,$5,'{}','{}','{}','running',now())
	`, executionID, path, version, parentExecutionID, workloadJSON)
	if err != nil {
		return fmt.Errorf("broker: creating execution %d: %w", executionID, err)
	}
	return nil
}

func (s *executions) get(ctx context.Context, executionID int64) (*Execution, error) {
	row := s.db.QueryRow(ctx, `
		SELECT execution_id, resource_path, resource_version, parent_execution_id, workload, ctx, step_results, step_event_ids, status, started_at, finished_at
		FROM executions WHERE execution_id=$1
	`, executionID)

	var e Execution
	var workload, execCtx, stepResults, stepEventIDs []byte
	var status string
	if err := row.Scan(&e.ExecutionID, &e.ResourcePath, &e.ResourceVersion, &e.ParentExecutionID,
		&workload, &execCtx, &stepResults, &stepEventIDs, &status, &e.StartedAt, &e.FinishedAt); err != nil {
		return nil, noetlerr.NotFound(fmt.Sprintf("broker: execution %d not found: %v", executionID, err))
	}
	e.Status = Status(status)
	_ = json.Unmarshal(workload, &e.Workload)
	_ = json.Unmarshal(execCtx, &e.Ctx)
	_ = json.Unmarshal(stepResults, &e.StepResults)

	var rawEventIDs map[string]float64
	_ = json.Unmarshal(stepEventIDs, &rawEventIDs)
	e.StepEventIDs = make(map[string]int64, len(rawEventIDs))
	for k, v := range rawEventIDs {
		e.StepEventIDs[k] = int64(v)
	}
	if e.Workload == nil {
		e.Workload = map[string]any{}
	}
	if e.Ctx == nil {
		e.Ctx = map[string]any{}
	}
	if e.StepResults == nil {
		e.StepResults = map[string]any{}
	}
	return &e, nil
}

// setStepEventID records the event_id generated for a step instance
// (§4.4 transition 2), so a later task_completion/step_exit lookup can
// confirm it is acting on the current instance, not a stale replay.
func (s *executions) setStepEventID(ctx context.Context, executionID int64, stepName string, eventID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE executions SET step_event_ids = jsonb_set(step_event_ids, $2::text[], to_jsonb($3::bigint), true)
		WHERE execution_id=$1
	`, executionID, pgTextPathArray(stepName), eventID)
	if err != nil {
		return fmt.Errorf("broker: recording step_event_id for %s: %w", stepName, err)
	}
	return nil
}

// setStepResult merges one step's result into both step_results (keyed by
// step name, for namespace-style template lookups) and ctx (the merged
// context next.when/pass conditions evaluate against).
func (s *executions) setStepResult(ctx context.Context, executionID int64, stepName string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("broker: marshaling result for %s: %w", stepName, err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE executions
		SET step_results = jsonb_set(step_results, $2::text[], $3::jsonb, true),
		    ctx = jsonb_set(ctx, $2::text[], $3::jsonb, true)
		WHERE execution_id=$1
	`, executionID, pgTextPathArray(stepName), resultJSON)
	if err != nil {
		return fmt.Errorf("broker: storing result for %s: %w", stepName, err)
	}
	return nil
}

func (s *executions) markStatus(ctx context.Context, executionID int64, status Status) error {
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		_, err := s.db.Exec(ctx, `UPDATE executions SET status=$2, finished_at=now() WHERE execution_id=$1`, executionID, string(status))
		return err
	}
	_, err := s.db.Exec(ctx, `UPDATE executions SET status=$2 WHERE execution_id=$1`, executionID, string(status))
	return err
}

// pgTextPathArray renders a single path segment as the `{key}` literal
// jsonb_set expects for its path argument.
func pgTextPathArray(key string) string {
	return "{" + key + "}"
}
