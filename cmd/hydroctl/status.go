package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/streamflow-ingest/internal/catalog"
	"github.com/couchcryptid/streamflow-ingest/internal/config"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/store"
)

// indexed is implemented by stores that keep their time index as metadata.
type indexed interface {
	Index() (domain.TimeIndex, bool, error)
}

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report how much of the catalog the store holds.",
		Long: `
Reads the same environment as the ingest service, loads the catalog and the
store, and prints the catalog size and the stored and remaining entity counts.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return c.status(cmd.Context(), cfg)
		},
	}
}

func (c *cli) status(ctx context.Context, cfg *config.Config) error {
	entities, err := catalog.Load(cfg.CatalogPath, cfg.CatalogTable, cfg.Region)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Backend, cfg.OutputPath, store.Options{ReadOnly: true, Logger: c.logger})
	if errors.Is(err, store.ErrBusy) {
		return fmt.Errorf("%w: an ingest run is writing it, query its /progress endpoint instead", err)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	remaining, err := st.NotDone(ctx, entities)
	if err != nil {
		return err
	}
	stored, err := st.Entities(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "backend\t%s\n", cfg.Backend)
	fmt.Fprintf(tw, "path\t%s\n", cfg.OutputPath)
	fmt.Fprintf(tw, "catalog\t%d\n", len(entities))
	fmt.Fprintf(tw, "stored\t%d\n", len(stored))
	fmt.Fprintf(tw, "done\t%d\n", len(entities)-len(remaining))
	fmt.Fprintf(tw, "remaining\t%d\n", len(remaining))
	if ix, ok := st.(indexed); ok {
		index, found, err := ix.Index()
		if err != nil {
			return err
		}
		if found {
			fmt.Fprintf(tw, "index\t%s\n", index)
		}
	}
	return tw.Flush()
}
