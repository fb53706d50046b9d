package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// columnStore is a CSV with header "<time_dim>,<e1>,<e2>,..." and one row per
// timestamp. New entities are new columns, so every flush rewrites the whole
// file through a temp file and rename; cost grows with the stored size.
type columnStore struct {
	tabular
	mu sync.Mutex
}

func (s *columnStore) NotDone(_ context.Context, all []domain.EntityID) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return nil, err
	}
	if records == nil {
		return append([]domain.EntityID{}, all...), nil
	}
	return remaining(all, columnEntitySet(records)), nil
}

func (s *columnStore) Entities(_ context.Context) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return nil, err
	}
	ids := []domain.EntityID{}
	if len(records) > 0 {
		for _, h := range records[0][1:] {
			ids = append(ids, domain.EntityID(h))
		}
	}
	return ids, nil
}

func (s *columnStore) Flush(_ context.Context, series []domain.NormalizedSeries) error {
	if len(series) == 0 {
		return nil
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("flush %s: %w", s.path, ErrReadOnly)
	}
	index, err := checkBatch(series)
	if err != nil {
		return err
	}
	labels := timeLabels(index)

	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		records = make([][]string, 0, len(labels)+1)
		records = append(records, []string{s.opts.TimeDim})
		for _, l := range labels {
			records = append(records, []string{l})
		}
	} else {
		stored := make([]string, 0, len(records)-1)
		for _, row := range records[1:] {
			stored = append(stored, row[0])
		}
		if !slices.Equal(stored, labels) {
			return fmt.Errorf("%w: stored index has %d rows from %q, flush index is %s",
				domain.ErrSchemaMismatch, len(stored), first(stored), index)
		}
		if err := checkNew(series, columnEntitySet(records)); err != nil {
			return err
		}
	}

	for _, sr := range series {
		records[0] = append(records[0], string(sr.Entity))
	}
	for i := range labels {
		row := records[i+1]
		for _, sr := range series {
			row = append(row, FormatValue(sr.Values[i]))
		}
		records[i+1] = row
	}

	if err := s.writeAtomic(records); err != nil {
		return fmt.Errorf("flush column store: %w", err)
	}
	return nil
}

func (s *columnStore) Close() error { return nil }

// Verify checks that no entity column appears twice.
func (s *columnStore) Verify(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	for _, h := range records[0][1:] {
		if seen[h] {
			return fmt.Errorf("%w: entity %s stored twice", domain.ErrSchemaMismatch, h)
		}
		seen[h] = true
	}
	return nil
}

func columnEntitySet(records [][]string) map[domain.EntityID]bool {
	set := make(map[domain.EntityID]bool)
	if len(records) > 0 {
		for _, h := range records[0][1:] {
			set[domain.EntityID(h)] = true
		}
	}
	return set
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
