// Package tool implements the pluggable action surface steps dispatch to
// (SPEC_FULL.md §4.5 "Dispatch", design note §9: "an explicit registry
// replaces a CanHandle-based decorator chain"). Grounded on
// semantic/actionregistry.go's mutex-guarded handler-map registry; unlike
// the teacher, this package has no package-level DefaultRegistry
// singleton — every Runtime builds and owns its own Registry, per the
// design decision to keep process-lifetime state explicit rather than
// global (see internal/runtime).
package tool

import (
	"context"
	"fmt"
	"sync"

	"noetl.io/noetl/internal/noetlerr"
)

// Auth is the resolved credential material for one alias, rendered and
// ready to use; never logged (§4.5 step 2-3).
type Auth struct {
	Type   string
	Fields map[string]string
}

// Request is everything a tool invocation needs: its own config (already
// template-rendered), the resolved auth aliases for the step, and the
// execution/step identifiers for attribution in outcomes and logs.
type Request struct {
	ExecutionID int64
	StepName    string
	Kind        string
	Config      map[string]any
	Auth        map[string]Auth
}

// Outcome is a tool's result, stored in the loop state / step result and
// surfaced via `{{ step-name.* }}` template lookups.
type Outcome struct {
	Result    map[string]any
	Retryable bool // if the tool returned an error, whether it is safe to retry
}

// Tool executes one request. Implementations must return once ctx is
// done; the worker cancels ctx when it stops and sets no per-job deadline
// (it renews the job's lease instead).
type Tool interface {
	Kind() string
	Run(ctx context.Context, req Request) (Outcome, error)
}

// Registry dispatches requests to the tool registered for their kind.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds t, keyed by t.Kind(). Registering the same kind twice is
// an error, matching the teacher's registry's refuse-on-duplicate
// behavior.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Kind()]; exists {
		return fmt.Errorf("tool: %q already registered", t.Kind())
	}
	r.tools[t.Kind()] = t
	return nil
}

// MustRegister registers t and panics if the kind is already taken;
// intended for process-start wiring where a duplicate is a programming
// error, not a runtime condition.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Run dispatches req to the tool registered for req.Kind.
func (r *Registry) Run(ctx context.Context, req Request) (Outcome, error) {
	r.mu.RLock()
	t, exists := r.tools[req.Kind]
	r.mu.RUnlock()

	if !exists {
		return Outcome{}, noetlerr.Validation(fmt.Sprintf("tool: no handler registered for kind %q", req.Kind))
	}
	return t.Run(ctx, req)
}

// Kinds lists every registered tool kind, in no particular order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k)
	}
	return out
}
