package pipeline

import "github.com/couchcryptid/streamflow-ingest/internal/domain"

// buffer accumulates normalized series between flushes. count is the
// running number of series ever added and survives reset.
type buffer struct {
	series []domain.NormalizedSeries
	count  int
}

// add appends a batch and reports whether the running count crossed a
// multiple of threshold.
func (b *buffer) add(series []domain.NormalizedSeries, threshold int) bool {
	prev := b.count
	b.series = append(b.series, series...)
	b.count += len(series)
	return threshold > 0 && b.count/threshold > prev/threshold
}

func (b *buffer) len() int { return len(b.series) }

func (b *buffer) entities() []domain.EntityID {
	ids := make([]domain.EntityID, len(b.series))
	for i, s := range b.series {
		ids[i] = s.Entity
	}
	return ids
}

func (b *buffer) reset() {
	b.series = nil
}
