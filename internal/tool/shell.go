package tool

import (
	"context"
	"fmt"
	"os/exec"

	"noetl.io/noetl/internal/noetlerr"
)

// Shell runs a step's command via the configured shell. Grounded on
// executor/command_executor.go's CommandContext + CombinedOutput +
// ExitError pattern, generalized from the teacher's `exec://`-prefixed
// URL action to a plain `command` config field (§6 tool kind `shell`).
type Shell struct {
	ShellPath string
}

// NewShell builds a Shell tool using /bin/sh, matching the teacher's
// CommandExecutor default.
func NewShell() *Shell {
	return &Shell{ShellPath: "/bin/sh"}
}

func (s *Shell) Kind() string { return "shell" }

func (s *Shell) Run(ctx context.Context, req Request) (Outcome, error) {
	command, _ := req.Config["command"].(string)
	if command == "" {
		return Outcome{}, noetlerr.Validation("shell: config.command is required")
	}

	cmd := exec.CommandContext(ctx, s.ShellPath, "-c", command)
	output, err := cmd.CombinedOutput()

	result := map[string]any{
		"output": string(output),
		"shell":  s.ShellPath,
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		result["exit_code"] = exitCode
		return Outcome{Result: result, Retryable: true}, noetlerr.Tool(fmt.Sprintf("shell: command failed: %v", err), err)
	}

	result["exit_code"] = 0
	return Outcome{Result: result}, nil
}
