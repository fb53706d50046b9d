package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/observability"
)

// SeriesNormalizer implements Normalizer with domain.Normalize, logging and
// metering unrecognized quality classes.
type SeriesNormalizer struct {
	opts    domain.NormalizeOptions
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewNormalizer creates a SeriesNormalizer. Every series it produces spans
// opts.Range at opts.Cadence.
func NewNormalizer(opts domain.NormalizeOptions, logger *slog.Logger, metrics *observability.Metrics) *SeriesNormalizer {
	return &SeriesNormalizer{opts: opts, logger: logger, metrics: metrics}
}

// NormalizeBatch normalizes every record set of a batch. The first malformed
// record fails the whole batch.
func (n *SeriesNormalizer) NormalizeBatch(_ context.Context, batch domain.Batch, raw []domain.RawRecordSet) (BatchResult, error) {
	res := BatchResult{Series: make([]domain.NormalizedSeries, 0, len(raw))}
	for _, rs := range raw {
		s, out, err := domain.Normalize(rs, n.opts)
		if err != nil {
			return BatchResult{}, err
		}
		for _, flag := range out.UnknownFlags {
			n.metrics.UnknownQualityFlags.WithLabelValues(flagLabel(flag)).Inc()
			n.logger.Warn("unrecognized quality flag",
				"batch", batch.Index,
				"entity", rs.Entity,
				"flag", flag,
				"kept", !n.opts.Quality.ApprovedOnly || n.opts.Quality.KeepUnknown,
			)
		}
		if out.Dropped {
			n.logger.Debug("entity dropped, no records after quality filter",
				"entity", rs.Entity, "excluded", out.Excluded)
			res.Dropped = append(res.Dropped, rs.Entity)
			continue
		}
		res.Series = append(res.Series, s)
	}
	return res, nil
}

// Value qualification codes NWIS publishes in place of a quality class.
// Any other flag is counted under "other" to keep the label set bounded.
var nwisFlagCodes = map[string]bool{
	"***": true, "Bkw": true, "Dis": true, "Dry": true, "Eqp": true, "Fld": true,
	"Ice": true, "Mnt": true, "Pr": true, "Rat": true, "Ssn": true, "Tst": true, "ZFL": true,
}

func flagLabel(flag string) string {
	if nwisFlagCodes[flag] {
		return flag
	}
	return "other"
}
