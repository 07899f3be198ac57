package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// queueCmd groups operational subcommands against the queue (§6.1).
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Operate on the leased work queue",
}

// queueSweepCmd runs one Sweep pass for operational/cron use outside the
// broker's own sweep ticker (§6.1 "noetl queue sweep"), e.g. a deployment
// that runs broker/worker without the sweep ticker enabled, or an operator
// forcing an immediate reclaim after a known mass worker crash.
var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim queue rows whose lease has expired",
	Long:  "sweep runs one pass of Queue.Sweep, requeuing any leased row whose lease_expires_at has passed (§4.3).",
	RunE:  runQueueSweep,
}

func init() {
	queueCmd.AddCommand(queueSweepCmd)
	RootCmd.AddCommand(queueCmd)
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(ctx, "noetl-cli")
	if err != nil {
		return err
	}
	defer rt.Close()

	reclaimed, err := rt.Queue.Sweep(ctx, time.Now())
	if err != nil {
		return withExit(ExitServerError, err)
	}
	fmt.Printf("reclaimed %d expired lease(s)\n", reclaimed)
	return nil
}
