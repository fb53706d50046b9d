package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// rowStore is a CSV with header "<entity_dim>,<t0>,<t1>,..." and one row per
// entity. Rows are appended; stored rows are never rewritten.
type rowStore struct {
	tabular
	mu sync.Mutex
}

func (s *rowStore) NotDone(_ context.Context, all []domain.EntityID) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return nil, err
	}
	if records == nil {
		return append([]domain.EntityID{}, all...), nil
	}
	return remaining(all, rowEntitySet(records)), nil
}

func (s *rowStore) Entities(_ context.Context) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return nil, err
	}
	ids := []domain.EntityID{}
	for _, row := range dataRows(records) {
		ids = append(ids, domain.EntityID(row[0]))
	}
	return ids, nil
}

func (s *rowStore) Flush(_ context.Context, series []domain.NormalizedSeries) error {
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
	records, committed, err := s.readCommitted()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		out := make([][]string, 0, len(series)+1)
		out = append(out, append([]string{s.opts.EntityDim}, labels...))
		for _, sr := range series {
			out = append(out, seriesRow(sr, identity(len(labels))))
		}
		if err := s.writeAtomic(out); err != nil {
			return fmt.Errorf("flush row store: %w", err)
		}
		return nil
	}

	order, err := columnOrder(records[0][1:], labels)
	if err != nil {
		return err
	}
	if err := checkNew(series, rowEntitySet(records)); err != nil {
		return err
	}
	rows := make([][]string, 0, len(series))
	for _, sr := range series {
		rows = append(rows, seriesRow(sr, order))
	}
	if err := s.appendRecords(committed, rows); err != nil {
		return fmt.Errorf("flush row store: %w", err)
	}
	return nil
}

func (s *rowStore) Close() error { return nil }

// Verify checks that no entity appears twice.
func (s *rowStore) Verify(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.readCommitted()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, row := range dataRows(records) {
		if seen[row[0]] {
			return fmt.Errorf("%w: entity %s stored twice", domain.ErrSchemaMismatch, row[0])
		}
		seen[row[0]] = true
	}
	return nil
}

// columnOrder maps each stored column to its position among the incoming
// labels. The two must hold the same set of labels.
func columnOrder(stored, incoming []string) ([]int, error) {
	if len(stored) != len(incoming) {
		return nil, fmt.Errorf("%w: store has %d time columns, flush has %d", domain.ErrSchemaMismatch, len(stored), len(incoming))
	}
	pos := make(map[string]int, len(incoming))
	for i, l := range incoming {
		pos[l] = i
	}
	order := make([]int, len(stored))
	for i, l := range stored {
		j, ok := pos[l]
		if !ok {
			return nil, fmt.Errorf("%w: stored column %q not in flush", domain.ErrSchemaMismatch, l)
		}
		order[i] = j
	}
	return order, nil
}

// seriesRow renders sr with values taken in the given order.
func seriesRow(sr domain.NormalizedSeries, order []int) []string {
	row := make([]string, 0, len(order)+1)
	row = append(row, string(sr.Entity))
	for _, j := range order {
		row = append(row, FormatValue(sr.Values[j]))
	}
	return row
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func dataRows(records [][]string) [][]string {
	if len(records) < 2 {
		return nil
	}
	return records[1:]
}

func rowEntitySet(records [][]string) map[domain.EntityID]bool {
	set := make(map[domain.EntityID]bool)
	for _, row := range dataRows(records) {
		set[domain.EntityID(row[0])] = true
	}
	return set
}
