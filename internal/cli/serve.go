package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/coda/internal/events"
	"github.com/raphaelgruber/coda/internal/jobs"
	"github.com/spf13/cobra"
)

var serveIntegrityEvery time.Duration

var serveEventsCmd = &cobra.Command{
	Use:   "serve-events",
	Short: "Run the background workers and the event websocket",
	Long: `Start the job processor and serve live events over a websocket at
/events. Admin interfaces connect to follow cascade progress, integrity
findings and system alerts.

With --integrity-every, an integrity validation job is scheduled
periodically at low priority.

Examples:
  coda serve-events
  coda serve-events --integrity-every 1h`,
	Args: cobra.NoArgs,
	RunE: runServeEvents,
}

func init() {
	serveEventsCmd.Flags().DurationVar(&serveIntegrityEvery, "integrity-every", 0, "schedule periodic integrity validation (0 disables)")
}

func runServeEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.StartProcessor(ctx)
	defer svc.StopProcessor()

	if serveIntegrityEvery > 0 {
		go scheduleIntegrity(ctx, serveIntegrityEvery)
	}

	mux := http.NewServeMux()
	mux.Handle("/events", events.NewHub(svc.Bus(), logger))

	server := &http.Server{Addr: cfg.EventsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Serving events on ws://%s/events (Ctrl+C to stop)\n", cfg.EventsAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("event server: %w", err)
	}
	return nil
}

// scheduleIntegrity enqueues a low-priority validation job on a fixed
// interval until the context ends.
func scheduleIntegrity(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := svc.AddJob(jobs.TypeIntegrityValidation, jobs.PriorityLow, nil, cfg.Tuning.MaxRetries); err != nil {
				logger.Error("schedule integrity validation", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
