package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

var nan = math.NaN()

func testIndex(n int) domain.TimeIndex {
	return domain.TimeIndex{
		Start: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  time.Hour,
		Len:   n,
	}
}

func series(id string, ix domain.TimeIndex, values ...float64) domain.NormalizedSeries {
	return domain.NormalizedSeries{Entity: domain.EntityID(id), Index: ix, Values: values}
}

func storePath(t *testing.T, kind Backend) string {
	t.Helper()
	if kind == BackendArray {
		return filepath.Join(t.TempDir(), "out", "streamflow.db")
	}
	return filepath.Join(t.TempDir(), "out", "streamflow.csv")
}

func openStore(t *testing.T, kind Backend, path string) Store {
	t.Helper()
	s, err := Open(kind, path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseBackend(t *testing.T) {
	for _, b := range Backends {
		got, err := ParseBackend(string(b))
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	_, err := ParseBackend("zarr")
	assert.Error(t, err)
}

func TestStore_Backends(t *testing.T) {
	ctx := context.Background()
	ix := testIndex(3)
	all := []domain.EntityID{"A", "B", "C", "D"}

	for _, kind := range Backends {
		t.Run(string(kind), func(t *testing.T) {
			t.Run("absent store returns a copy of all", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				got, err := s.NotDone(ctx, all)
				require.NoError(t, err)
				assert.Equal(t, all, got)

				got[0] = "Z"
				assert.Equal(t, domain.EntityID("A"), all[0])

				ids, err := s.Entities(ctx)
				require.NoError(t, err)
				assert.Empty(t, ids)
			})

			t.Run("flush then resume", func(t *testing.T) {
				path := storePath(t, kind)
				s := openStore(t, kind, path)
				require.NoError(t, s.Flush(ctx, []domain.NormalizedSeries{
					series("B", ix, 1, 2, 3),
					series("D", ix, 4, nan, 6),
				}))
				require.NoError(t, s.Close())

				reopened := openStore(t, kind, path)
				got, err := reopened.NotDone(ctx, all)
				require.NoError(t, err)
				assert.Equal(t, []domain.EntityID{"A", "C"}, got)

				require.NoError(t, reopened.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 7, 8, 9)}))
				ids, err := reopened.Entities(ctx)
				require.NoError(t, err)
				assert.Equal(t, []domain.EntityID{"B", "D", "A"}, ids)
			})

			t.Run("everything done is empty, not nil", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				require.NoError(t, s.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 1, 2, 3)}))
				got, err := s.NotDone(ctx, []domain.EntityID{"A"})
				require.NoError(t, err)
				assert.NotNil(t, got)
				assert.Empty(t, got)
			})

			t.Run("stored entity is rejected", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				require.NoError(t, s.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 1, 2, 3)}))
				err := s.Flush(ctx, []domain.NormalizedSeries{series("B", ix, 1, 1, 1), series("A", ix, 1, 2, 3)})
				require.ErrorIs(t, err, domain.ErrSchemaMismatch)

				ids, err := s.Entities(ctx)
				require.NoError(t, err)
				assert.Equal(t, []domain.EntityID{"A"}, ids)
			})

			t.Run("repeated entity in one flush is rejected", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				err := s.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 1, 2, 3), series("A", ix, 1, 2, 3)})
				require.ErrorIs(t, err, domain.ErrSchemaMismatch)
			})

			t.Run("different index is rejected", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				require.NoError(t, s.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 1, 2, 3)}))
				other := testIndex(4)
				err := s.Flush(ctx, []domain.NormalizedSeries{series("B", other, 1, 2, 3, 4)})
				require.ErrorIs(t, err, domain.ErrSchemaMismatch)
			})

			t.Run("empty flush is a no-op", func(t *testing.T) {
				path := storePath(t, kind)
				s := openStore(t, kind, path)
				require.NoError(t, s.Flush(ctx, nil))
				got, err := s.NotDone(ctx, all)
				require.NoError(t, err)
				assert.Equal(t, all, got)
			})

			t.Run("verify", func(t *testing.T) {
				s := openStore(t, kind, storePath(t, kind))
				require.NoError(t, s.Flush(ctx, []domain.NormalizedSeries{series("A", ix, 1, 2, 3)}))
				v, ok := s.(Verifier)
				require.True(t, ok)
				assert.NoError(t, v.Verify(ctx))
			})
		})
	}
}

func TestCheckBatch(t *testing.T) {
	ix := testIndex(2)
	_, err := checkBatch([]domain.NormalizedSeries{series("A", ix, 1)})
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	got, err := checkBatch([]domain.NormalizedSeries{series("A", ix, 1, 2), series("B", ix, 3, 4)})
	require.NoError(t, err)
	assert.True(t, got.Equal(ix))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nan))
	assert.Equal(t, "12.5", FormatValue(12.5))
	assert.Equal(t, "1e+06", FormatValue(1e6))
	assert.Equal(t, "0", FormatValue(0))

	v, err := ParseValue("")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
	v, err = ParseValue("12.5")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-12)
}

func TestStore_ReadOnlyRejectsFlush(t *testing.T) {
	for _, kind := range Backends {
		t.Run(string(kind), func(t *testing.T) {
			path := storePath(t, kind)
			s, err := Open(kind, path, Options{ReadOnly: true})
			require.NoError(t, err)
			defer s.Close()

			err = s.Flush(context.Background(), []domain.NormalizedSeries{series("A", testIndex(2), 1, 2)})
			require.ErrorIs(t, err, ErrReadOnly)
			_, err = os.Stat(path)
			assert.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}
