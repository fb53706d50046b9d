package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/streamflow-ingest/internal/adapter/nwis"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// conusHUCs are the 2-digit hydrologic regions of the contiguous US.
var conusHUCs = []string{
	"01", "02", "03", "04", "05", "06", "07", "08", "09",
	"10", "11", "12", "13", "14", "15", "16", "17", "18",
}

var catalogHeader = []string{"code", "name", "huc", "site_type", "latitude", "longitude"}

type catalogCommand struct {
	*cli
	hucs          []string
	mode          string
	out           string
	baseURL       string
	parameterCode string
	concurrency   int
	rps           float64
}

func newCatalogCommand(c *cli) *cobra.Command {
	cc := &catalogCommand{cli: c}
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Build the site reference table from the NWIS site service.",
		Long: `
Lists every stream site reporting the parameter in each hydrologic region and
writes one CSV row per site (code, name, huc, site_type, latitude, longitude).
Sites listed under several regions are written once.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cc.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&cc.hucs, "hucs", conusHUCs, "Hydrologic unit codes to list.")
	flags.StringVar(&cc.mode, "mode", string(domain.ModeInstantaneous), "Data product sites must carry: iv or dv.")
	flags.StringVarP(&cc.out, "out", "o", "-", "Output CSV path, - for stdout.")
	flags.StringVar(&cc.baseURL, "base-url", nwis.DefaultBaseURL, "NWIS water services base URL.")
	flags.StringVar(&cc.parameterCode, "parameter-code", "00060", "NWIS parameter code.")
	flags.IntVar(&cc.concurrency, "concurrency", 4, "Regions requested at once.")
	flags.Float64Var(&cc.rps, "requests-per-second", 2, "Request rate limit, 0 for none.")

	return cmd
}

func (cc *catalogCommand) run(ctx context.Context) error {
	mode := domain.Mode(cc.mode)
	if mode != domain.ModeInstantaneous && mode != domain.ModeDaily {
		return fmt.Errorf("invalid --mode %q: want iv or dv", cc.mode)
	}
	if cc.concurrency < 1 {
		return fmt.Errorf("invalid --concurrency %d: must be positive", cc.concurrency)
	}

	client := nwis.NewClient(nwis.Config{
		BaseURL:           cc.baseURL,
		ParameterCode:     cc.parameterCode,
		RetryMax:          5,
		RequestsPerSecond: cc.rps,
	}, processMetrics(), cc.logger)

	perHUC := make([][]nwis.Site, len(cc.hucs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cc.concurrency)
	for i, huc := range cc.hucs {
		g.Go(func() error {
			sites, err := client.Sites(gctx, huc, mode)
			if err != nil {
				return err
			}
			cc.logger.Info("region listed", "huc", huc, "sites", len(sites))
			perHUC[i] = sites
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := cc.stdout
	if cc.out != "-" {
		f, err := os.Create(cc.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", cc.out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := writeSites(w, perHUC)
	if err != nil {
		return err
	}
	cc.logger.Info("catalog written", "out", cc.out, "sites", n)
	return nil
}

// writeSites writes the regions in order, skipping codes already written.
func writeSites(w io.Writer, perHUC [][]nwis.Site) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(catalogHeader); err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	for _, sites := range perHUC {
		for _, s := range sites {
			if seen[s.Code] {
				continue
			}
			seen[s.Code] = true
			if err := cw.Write([]string{
				s.Code,
				s.Name,
				s.HUC,
				s.SiteType,
				strconv.FormatFloat(s.Latitude, 'f', -1, 64),
				strconv.FormatFloat(s.Longitude, 'f', -1, 64),
			}); err != nil {
				return 0, err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("write catalog: %w", err)
	}
	return len(seen), nil
}
