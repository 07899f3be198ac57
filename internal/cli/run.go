package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/runtime"
	"noetl.io/noetl/internal/worker"
)

var (
	runSetFlags  []string
	runMode      string
	runJSON      bool
	runWorkerCap int
	runTimeout   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <path-or-file>",
	Short: "Register (if a file) and start a playbook execution",
	Long: "run accepts either a local YAML file (registered first) or an already-registered\n" +
		"catalog path, starts an execution, and in local mode drives it to completion\n" +
		"in-process (§6 \"run -r local\"). Distributed mode starts the execution and\n" +
		"returns immediately, relying on separately-running serve processes.",
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var execCmd = &cobra.Command{
	Use:   "exec <catalog-path>",
	Short: "Start a playbook execution from an already-registered catalog path",
	Long:  "exec is an alias for run that always treats its argument as a catalog path, never a file.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, execCmd} {
		c.Flags().StringArrayVar(&runSetFlags, "set", nil, "override a workload field, key=value (dotted keys nest)")
		c.Flags().StringVarP(&runMode, "run-mode", "r", "local", "local (drive to completion in-process) or distributed (start and return)")
		c.Flags().BoolVar(&runJSON, "json", false, "print the final execution as JSON")
		c.Flags().IntVar(&runWorkerCap, "capacity", 4, "local-mode worker concurrency")
		c.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "local-mode maximum wall time before giving up")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(ctx, "noetl-cli")
	if err != nil {
		return err
	}
	defer rt.Close()

	overrides, err := parseSetFlags(runSetFlags)
	if err != nil {
		return withExit(ExitInvalidArgs, err)
	}

	path, version, err := resolvePlaybookArg(ctx, rt, args[0], cmd.Name() == "exec")
	if err != nil {
		return err
	}

	executionID, err := rt.Broker.StartExecution(ctx, path, version, overrides, nil)
	if err != nil {
		return withExit(ExitValidation, err)
	}

	if runMode == "distributed" {
		fmt.Printf("started execution %d (%s@%s)\n", executionID, path, version)
		return nil
	}

	return driveLocal(ctx, rt, executionID)
}

// resolvePlaybookArg treats the argument as a local file when it exists
// on disk (registering it first) and catalogOnly is false, otherwise as a
// catalog path, optionally suffixed `@version` (bare path resolves to the
// latest version per catalog.Fetch).
func resolvePlaybookArg(ctx context.Context, rt *runtime.Runtime, arg string, catalogOnly bool) (path, version string, err error) {
	if info, statErr := os.Stat(arg); !catalogOnly && statErr == nil && !info.IsDir() {
		raw, readErr := os.ReadFile(arg)
		if readErr != nil {
			return "", "", withExit(ExitInvalidArgs, fmt.Errorf("reading %s: %w", arg, readErr))
		}
		path, contentJSON, convErr := toCatalogContent("Playbook", raw)
		if convErr != nil {
			return "", "", withExit(ExitValidation, convErr)
		}
		v, _, regErr := rt.Catalog.Register(ctx, "Playbook", path, contentJSON, 0)
		if regErr != nil {
			return "", "", withExit(ExitValidation, regErr)
		}
		return path, v, nil
	}

	if idx := strings.LastIndex(arg, "@"); idx > 0 {
		return arg[:idx], arg[idx+1:], nil
	}
	return arg, "", nil
}

// driveLocal runs an embedded broker/worker pair in-process, polling both
// at a tight interval until the execution reaches a terminal status or
// runTimeout elapses, matching §6 "run -r local: single-process run mode
// where no Postgres-external broker/worker process is required".
func driveLocal(ctx context.Context, rt *runtime.Runtime, executionID int64) error {
	localCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	w := worker.New(worker.Config{
		WorkerID:      fmt.Sprintf("local-%d", executionID),
		Capacity:      runWorkerCap,
		LeaseDuration: 30 * time.Second,
		PollInterval:  50 * time.Millisecond,
		LeaseSecret:   []byte(rt.Config.LeaseTokenSecret),
	}, rt.Queue, rt.Events, rt.Tools, rt.Auth, rt.Broker, rt.Logger)

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(localCtx) }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-localCtx.Done():
			cancel()
			<-workerDone
			return withExit(ExitExecutionError, fmt.Errorf("execution %d did not finish within %s", executionID, humanize.RelTime(time.Now().Add(-runTimeout), time.Now(), "elapsed", "elapsed")))
		case <-ticker.C:
			if _, err := rt.Broker.RunOnce(localCtx, "local-broker", 50); err != nil {
				cancel()
				<-workerDone
				return withExit(ExitServerError, err)
			}
			exec, err := rt.Broker.GetExecution(localCtx, executionID)
			if err != nil {
				continue
			}
			if exec.Status == broker.StatusCompleted || exec.Status == broker.StatusFailed || exec.Status == broker.StatusCancelled {
				cancel()
				<-workerDone
				if err := rt.LocalCache.PutExecution(executionID, exec); err != nil {
					rt.Logger.WithError(err).Warn("caching local execution result")
				}
				return printExecutionResult(exec)
			}
		}
	}
}

func printExecutionResult(exec *broker.Execution) error {
	if runJSON {
		if err := printJSON(exec); err != nil {
			return withExit(ExitServerError, err)
		}
	} else {
		fmt.Printf("execution %d: %s\n", exec.ExecutionID, exec.Status)
	}
	if exec.Status == broker.StatusFailed {
		return withExit(ExitExecutionError, fmt.Errorf("execution %d failed", exec.ExecutionID))
	}
	return nil
}
