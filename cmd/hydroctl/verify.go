package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/streamflow-ingest/internal/store"
)

type verifyCommand struct {
	*cli
	backend string
	path    string
}

func newVerifyCommand(c *cli) *cobra.Command {
	vc := &verifyCommand{cli: c}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a store for duplicate or misaligned entities.",
		Long: `
Checks that the entity dimension of a store has no duplicates and, for the
array backend, that every stored series spans the stored time index.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return vc.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&vc.backend, "backend", string(store.BackendArray), "Store backend: array, tabular_row or tabular_column.")
	flags.StringVar(&vc.path, "path", "", "Store path.")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func (vc *verifyCommand) run(ctx context.Context) error {
	backend, err := store.ParseBackend(vc.backend)
	if err != nil {
		return err
	}
	if _, err := os.Stat(vc.path); err != nil {
		return fmt.Errorf("store %s: %w", vc.path, err)
	}

	st, err := store.Open(backend, vc.path, store.Options{ReadOnly: true, Logger: vc.logger})
	if err != nil {
		return err
	}
	defer st.Close()

	if v, ok := st.(store.Verifier); ok {
		if err := v.Verify(ctx); err != nil {
			return err
		}
	}
	entities, err := st.Entities(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(vc.stdout, "ok: %s store %s holds %d entities\n", backend, vc.path, len(entities))
	return nil
}
