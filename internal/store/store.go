// Package store persists normalized series and answers which entities are
// already stored. Every backend appends along the entity axis only, so a
// stored entity is never rewritten and never duplicated.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// Backend selects the on-disk layout. It is fixed for the life of a store.
type Backend string

const (
	// BackendArray is a chunked, compressed 2-d array in a bbolt file.
	BackendArray Backend = "array"
	// BackendTabularRow is a CSV with one row per entity.
	BackendTabularRow Backend = "tabular_row"
	// BackendTabularColumn is a CSV with one row per timestamp and one column per entity.
	BackendTabularColumn Backend = "tabular_column"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendArray, BackendTabularRow, BackendTabularColumn}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	for _, b := range Backends {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q (want array, tabular_row or tabular_column)", s)
}

// Options configure a store. Zero values take defaults.
type Options struct {
	// Variable names the stored quantity. Default "streamflow".
	Variable string
	// EntityDim names the entity axis. Default "site_code".
	EntityDim string
	// TimeDim names the time axis. Default "datetime".
	TimeDim string
	// EntityChunk and TimeChunk set the array chunk shape at creation.
	// Zero means 64 entities and the full time axis.
	EntityChunk int
	TimeChunk   int
	// ReadOnly is for callers that never flush. The array file is opened
	// with a shared lock and left uninitialized. Flush fails with ErrReadOnly.
	ReadOnly bool
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Variable == "" {
		o.Variable = "streamflow"
	}
	if o.EntityDim == "" {
		o.EntityDim = "site_code"
	}
	if o.TimeDim == "" {
		o.TimeDim = "datetime"
	}
	if o.EntityChunk <= 0 {
		o.EntityChunk = defaultEntityChunk
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

const defaultEntityChunk = 64

var (
	// ErrReadOnly is returned by Flush on a store opened with ReadOnly.
	ErrReadOnly = errors.New("store opened read-only")
	// ErrBusy means another process holds the store's write lock.
	ErrBusy = errors.New("store locked by another process")
)

// Store is the persistent destination of a run.
type Store interface {
	// NotDone returns the entities of all that are not yet stored, in the
	// order given. An absent store returns a copy of all.
	NotDone(ctx context.Context, all []domain.EntityID) ([]domain.EntityID, error)
	// Flush durably appends series. Either every series is stored or none is.
	// All series must share one time index, which must match the store's.
	Flush(ctx context.Context, series []domain.NormalizedSeries) error
	// Entities returns the stored entity axis in storage order.
	Entities(ctx context.Context) ([]domain.EntityID, error)
	Close() error
}

// Verifier checks a store's structural invariants.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Open returns a store of the given kind at path. A missing file is not an
// error: it is created on the first Flush.
func Open(kind Backend, path string, opts Options) (Store, error) {
	opts = opts.withDefaults()
	switch kind {
	case BackendArray:
		return openArray(path, opts)
	case BackendTabularRow:
		return &rowStore{tabular: tabular{path: path, opts: opts}}, nil
	case BackendTabularColumn:
		return &columnStore{tabular: tabular{path: path, opts: opts}}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// remaining subtracts done from all, preserving the order of all. The result
// is never nil.
func remaining(all []domain.EntityID, done map[domain.EntityID]bool) []domain.EntityID {
	out := make([]domain.EntityID, 0, len(all))
	for _, id := range all {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

// checkBatch returns the shared index of series and rejects repeated entities.
func checkBatch(series []domain.NormalizedSeries) (domain.TimeIndex, error) {
	index := series[0].Index
	seen := make(map[domain.EntityID]bool, len(series))
	for _, s := range series {
		if !s.Index.Equal(index) {
			return index, fmt.Errorf("%w: entity %s has index %s, batch has %s", domain.ErrSchemaMismatch, s.Entity, s.Index, index)
		}
		if len(s.Values) != s.Index.Len {
			return index, fmt.Errorf("%w: entity %s has %d values for %d steps", domain.ErrSchemaMismatch, s.Entity, len(s.Values), s.Index.Len)
		}
		if seen[s.Entity] {
			return index, fmt.Errorf("%w: entity %s repeated in flush", domain.ErrSchemaMismatch, s.Entity)
		}
		seen[s.Entity] = true
	}
	return index, nil
}

// checkNew rejects series whose entity is already stored.
func checkNew(series []domain.NormalizedSeries, stored map[domain.EntityID]bool) error {
	for _, s := range series {
		if stored[s.Entity] {
			return fmt.Errorf("%w: entity %s already stored", domain.ErrSchemaMismatch, s.Entity)
		}
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
