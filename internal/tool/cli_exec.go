package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"noetl.io/noetl/internal/noetlerr"
)

// runCLI shells out to a named binary with args, grounded on the same
// os/exec.CommandContext + CombinedOutput idiom Shell uses
// (executor/command_executor.go). DuckDB and Snowflake have no Go client
// library anywhere in the example corpus's dependency surface (see
// DESIGN.md); rather than fabricate a driver dependency, both tools
// below shell out to their respective first-party CLIs, the same way
// Shell already does for arbitrary commands.
func runCLI(ctx context.Context, binary string, args []string, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return string(output), fmt.Errorf("%s exited %d: %w", binary, exitCode, err)
	}
	return string(output), nil
}

// DuckDB runs a query against the `duckdb` CLI (§6 tool kind `duckdb`).
type DuckDB struct{ Binary string }

func NewDuckDB() *DuckDB { return &DuckDB{Binary: "duckdb"} }

func (d *DuckDB) Kind() string { return "duckdb" }

func (d *DuckDB) Run(ctx context.Context, req Request) (Outcome, error) {
	query, _ := req.Config["query"].(string)
	if query == "" {
		return Outcome{}, noetlerr.Validation("duckdb: config.query is required")
	}
	database, _ := req.Config["database"].(string)
	if database == "" {
		database = ":memory:"
	}

	output, err := runCLI(ctx, d.Binary, []string{"-json", database}, query)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.Tool(fmt.Sprintf("duckdb: %v", err), err)
	}
	return Outcome{Result: map[string]any{"output": output}}, nil
}

// Snowflake runs a query against the `snowsql` CLI (§6 tool kind
// `snowflake`). When the step binds a `basic` auth alias, its username is
// passed with -u; the password and other auth types (such as `bearer`)
// are not passed to snowsql.
type Snowflake struct{ Binary string }

func NewSnowflake() *Snowflake { return &Snowflake{Binary: "snowsql"} }

func (s *Snowflake) Kind() string { return "snowflake" }

func (s *Snowflake) Run(ctx context.Context, req Request) (Outcome, error) {
	query, _ := req.Config["query"].(string)
	if query == "" {
		return Outcome{}, noetlerr.Validation("snowflake: config.query is required")
	}
	account, _ := req.Config["account"].(string)
	if account == "" {
		return Outcome{}, noetlerr.Validation("snowflake: config.account is required")
	}

	args := []string{"-a", account, "-o", "output_format=json", "-o", "friendly=false"}
	for _, auth := range req.Auth {
		if auth.Type == "basic" {
			args = append(args, "-u", auth.Fields["username"])
			break
		}
	}
	args = append(args, "-q", query)

	output, err := runCLI(ctx, s.Binary, args, "")
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.Tool(fmt.Sprintf("snowflake: %v", err), err)
	}
	return Outcome{Result: map[string]any{"output": output}}, nil
}

// Python runs a step's script via the `python3` interpreter (§6 tool
// kind `python`), piping the script on stdin so no temp file is needed.
type Python struct{ Binary string }

func NewPython() *Python { return &Python{Binary: "python3"} }

func (p *Python) Kind() string { return "python" }

func (p *Python) Run(ctx context.Context, req Request) (Outcome, error) {
	script, _ := req.Config["script"].(string)
	if script == "" {
		return Outcome{}, noetlerr.Validation("python: config.script is required")
	}

	output, err := runCLI(ctx, p.Binary, []string{"-"}, script)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.Tool(fmt.Sprintf("python: %v", err), err)
	}
	return Outcome{Result: map[string]any{"output": output}}, nil
}
