package tool

import (
	"context"

	"noetl.io/noetl/internal/noetlerr"
)

// Rhai is a placeholder for the `rhai` tool kind. Implementing an
// embedded Rhai script engine is out of scope; this tool exists so a
// playbook that declares a `rhai` step fails with a clear, classified
// error (KindValidation: not retryable, not a crash) instead of a
// missing-registration error at dispatch time.
type Rhai struct{}

func NewRhai() *Rhai { return &Rhai{} }

func (r *Rhai) Kind() string { return "rhai" }

func (r *Rhai) Run(ctx context.Context, req Request) (Outcome, error) {
	return Outcome{}, noetlerr.Validation("rhai: scripting is not implemented in this build")
}
