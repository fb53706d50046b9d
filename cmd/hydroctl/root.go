package main

import (
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/streamflow-ingest/internal/observability"
)

// cli carries the shared state of one hydroctl invocation.
type cli struct {
	stdout    io.Writer
	stderr    io.Writer
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

// processMetrics registers the collectors once per process.
var processMetrics = sync.OnceValue(observability.NewMetrics)

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	rc := &cobra.Command{
		Use:   "hydroctl",
		Short: "Operate streamflow ingestion stores and catalogs.",
		Long: `
hydroctl builds the NWIS site catalog used by the ingest service, reports how
much of a catalog a store already holds, checks stores for duplicate entities
and reads flush events published to Kafka.
`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.logger = observability.New(c.stderr, c.logLevel, c.logFormat)
		},
	}
	rc.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level: debug, info, warn or error.")
	rc.PersistentFlags().StringVar(&c.logFormat, "log-format", "text", "Log format: text or json.")

	rc.AddCommand(newCatalogCommand(c))
	rc.AddCommand(newStatusCommand(c))
	rc.AddCommand(newVerifyCommand(c))
	rc.AddCommand(newEventsCommand(c))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}
