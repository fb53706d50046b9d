package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/streamflow-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

type eventsCommand struct {
	*cli
	brokers []string
	topic   string
	runID   string
	follow  bool
	idle    time.Duration
}

func newEventsCommand(c *cli) *cobra.Command {
	ec := &eventsCommand{cli: c}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print flush events published by ingest runs.",
		Long: `
Reads flush events from the start of every partition of the flush topic and
prints one line per flush. Events of one run are printed in publish order. Without --follow it stops once no event arrives for --idle.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ec.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&ec.brokers, "brokers",
		sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")), "Kafka brokers.")
	flags.StringVar(&ec.topic, "topic", sharedcfg.EnvOrDefault("KAFKA_FLUSH_TOPIC", "streamflow-flushes"), "Flush topic.")
	flags.StringVar(&ec.runID, "run-id", "", "Only print events of this run.")
	flags.BoolVarP(&ec.follow, "follow", "f", false, "Keep waiting for new events.")
	flags.DurationVar(&ec.idle, "idle", 5*time.Second, "Stop after this long without an event.")

	return cmd
}

func (ec *eventsCommand) run(ctx context.Context) error {
	if len(ec.brokers) == 0 {
		return errors.New("no --brokers given")
	}
	r, err := kafka.NewReader(ctx, ec.brokers, ec.topic, ec.logger)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if !ec.follow {
			readCtx, cancel = context.WithTimeout(ctx, ec.idle)
		}
		event, err := r.ReadEvent(readCtx)
		cancel()
		if err != nil {
			// Cancelled, idle or reader closed.
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ec.runID != "" && event.RunID != ec.runID {
			continue
		}
		fmt.Fprintln(ec.stdout, formatEvent(event))
	}
}

func formatEvent(e domain.FlushEvent) string {
	return fmt.Sprintf("%s run=%s flush=%d entities=%d total_written=%d dest=%s",
		e.At.Format(time.RFC3339), e.RunID, e.Sequence, len(e.Entities), e.TotalWritten, e.Destination)
}
