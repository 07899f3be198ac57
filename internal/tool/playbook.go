package tool

import (
	"context"
	"fmt"

	"noetl.io/noetl/internal/noetlerr"
)

// Starter begins a sub-execution of the named catalog playbook with the
// given workload, returning its execution_id, linked via
// parent_execution_id per §9's Open Question decision (a sub-playbook
// invocation always gets a fresh execution_id, never reuses the caller's).
// Implemented by the broker package, which owns catalog/queue access; the
// tool layer only calls through this narrow seam so Tool stays
// dependency-free of broker internals.
type Starter func(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (executionID int64, err error)

// Playbook invokes another playbook as a sub-execution (§6 tool kind
// `playbook`, composition). Grounded on executor/executor.go's
// Executor-as-seam pattern: this tool is itself just a thin dispatcher to
// whatever starts executions, the same way the teacher's Executor
// interface lets Execute call out to another subsystem.
type Playbook struct {
	start Starter
}

// NewPlaybookTool binds the composition tool to a concrete Starter,
// normally internal/broker.StartExecution.
func NewPlaybookTool(start Starter) *Playbook {
	return &Playbook{start: start}
}

func (p *Playbook) Kind() string { return "playbook" }

func (p *Playbook) Run(ctx context.Context, req Request) (Outcome, error) {
	path, _ := req.Config["path"].(string)
	if path == "" {
		return Outcome{}, noetlerr.Validation("playbook: config.path is required")
	}
	version, _ := req.Config["version"].(string)
	if version == "" {
		version = "latest"
	}
	workload, _ := req.Config["workload"].(map[string]any)

	executionID, err := p.start(ctx, path, version, workload, req.ExecutionID)
	if err != nil {
		return Outcome{}, noetlerr.Resolution(fmt.Sprintf("playbook: starting sub-execution %s@%s: %v", path, version, err))
	}

	return Outcome{Result: map[string]any{"execution_id": executionID, "path": path, "version": version}}, nil
}
