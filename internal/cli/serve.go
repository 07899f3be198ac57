package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"noetl.io/noetl/internal/worker"
)

var (
	serveRoles        []string
	serveWorkerID     string
	serveCapacity     int
	serveLeaseSeconds int
	servePollMillis   int
)

// serveCmd runs the long-lived broker and/or worker daemons SPEC_FULL.md
// §6.1 calls out as needed beyond the four named CLI operations: a
// process that polls the event log and queue forever, until an OS signal
// requests shutdown. Grounded on the teacher's cli/root.go
// signal.Notify(os.Interrupt, syscall.SIGTERM)-then-graceful-shutdown
// pattern, adapted from an HTTP server's context-with-timeout shutdown to
// a plain ctx-cancel since there is no listener socket to drain here.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker and/or worker poll loops until terminated",
	Long:  "serve runs the broker's event-claiming loop and/or a worker's job-leasing loop as a long-lived process (§6.1).",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveRoles, "role", []string{"broker", "worker"}, "which loops to run: broker, worker, or both")
	serveCmd.Flags().StringVar(&serveWorkerID, "worker-id", "", "worker identity for leasing (default: hostname plus a random suffix)")
	serveCmd.Flags().IntVar(&serveCapacity, "capacity", 8, "worker concurrent lease capacity")
	serveCmd.Flags().IntVar(&serveLeaseSeconds, "lease-seconds", 30, "worker lease duration in seconds")
	serveCmd.Flags().IntVar(&servePollMillis, "poll-millis", 500, "poll interval in milliseconds")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := bootstrap(ctx, "noetl-serve")
	if err != nil {
		return err
	}
	defer rt.Close()

	workerID := serveWorkerID
	if workerID == "" {
		host, hostErr := os.Hostname()
		if hostErr != nil {
			host = "noetl-worker"
		}
		// Suffix with a random id so two serve processes on the same host
		// (e.g. two containers sharing a hostname, or a restarted process
		// racing its predecessor's still-draining leases) never collide on
		// worker_id.
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String())
	}

	roles := map[string]bool{}
	for _, r := range serveRoles {
		roles[r] = true
	}

	errs := make(chan error, 2)
	running := 0

	if roles["broker"] {
		running++
		go func() {
			errs <- rt.Broker.Run(ctx, "broker-"+workerID, time.Duration(servePollMillis)*time.Millisecond, rt.Config.SweepInterval, rt.Config.LeaseBatchSize)
		}()
	}
	if roles["worker"] {
		running++
		w := worker.New(worker.Config{
			WorkerID:      workerID,
			Capacity:      serveCapacity,
			LeaseDuration: time.Duration(serveLeaseSeconds) * time.Second,
			PollInterval:  time.Duration(servePollMillis) * time.Millisecond,
			LeaseSecret:   []byte(rt.Config.LeaseTokenSecret),
		}, rt.Queue, rt.Events, rt.Tools, rt.Auth, rt.Broker, rt.Logger)
		go func() { errs <- w.Run(ctx) }()
	}

	if running == 0 {
		return withExit(ExitInvalidArgs, fmt.Errorf("serve: --role must include broker, worker, or both"))
	}

	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
			return withExit(ExitServerError, err)
		}
	}
	return nil
}
