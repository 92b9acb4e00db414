package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
)

func newConsumerCmd() *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Append reservation and payment events from the queue to a log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := os.Getenv("RABBITMQ_URL")
			if url == "" {
				return errors.New("RABBITMQ_URL is required")
			}
			queueName := os.Getenv("EVENTS_QUEUE")
			if queueName == "" {
				queueName = "reservation_events"
			}
			log, err := logging.New(os.Getenv("APP_ENV") == "prod")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return queue.NewConsumer(url, queueName, logFile, log).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "events.log", "file the event lines are appended to")
	return cmd
}

