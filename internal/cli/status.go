package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/eventlog"
)

var statusJSON bool
var statusEvents bool

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Print an execution's current status",
	Long:  "status reads the execution row (and optionally its event history) and prints a summary (§6 \"status\").",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "include the execution's event history")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var executionID int64
	if _, err := fmt.Sscanf(args[0], "%d", &executionID); err != nil {
		return withExit(ExitInvalidArgs, fmt.Errorf("invalid execution id %q", args[0]))
	}

	rt, err := bootstrap(ctx, "noetl-cli")
	if err != nil {
		return err
	}
	defer rt.Close()

	exec, err := rt.Broker.GetExecution(ctx, executionID)
	if err != nil {
		// Fall back to the on-disk mirror a `run -r local` invocation left
		// behind (§2.2 "Embedded DB for local/offline mode"), so status
		// still works when Postgres is unreachable or the row was never
		// there to begin with (a purely local run against a throwaway db).
		var cached broker.Execution
		found, cacheErr := rt.LocalCache.GetExecution(executionID, &cached)
		if cacheErr != nil || !found {
			return withExit(ExitServerError, err)
		}
		exec = &cached
	}

	var events []eventlog.Event
	if statusEvents {
		events, err = rt.Events.Stream(ctx, executionID, 0)
		if err != nil {
			return withExit(ExitServerError, err)
		}
	}

	if statusJSON {
		out := map[string]any{"execution": exec}
		if statusEvents {
			out["events"] = events
		}
		return printJSON(out)
	}

	fmt.Printf("execution %d: %s\n", exec.ExecutionID, exec.Status)
	fmt.Printf("  resource: %s@%s\n", exec.ResourcePath, exec.ResourceVersion)
	if exec.StartedAt != nil {
		fmt.Printf("  started:  %s\n", exec.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if exec.FinishedAt != nil {
		fmt.Printf("  finished: %s\n", exec.FinishedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	for step, result := range exec.StepResults {
		fmt.Printf("  step %s: %v\n", step, result)
	}
	if statusEvents {
		for _, ev := range events {
			fmt.Printf("  event %d %s %s/%s %s\n", ev.EventID, ev.EventType, ev.NodeName, ev.NodeInstance, ev.Status)
		}
	}
	return nil
}
