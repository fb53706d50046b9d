package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/streamflow-ingest/internal/adapter/nwis"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/store"
)

// execute runs hydroctl with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

const rdbHeader = "# US Geological Survey\n" +
	"agency_cd\tsite_no\tstation_nm\tsite_tp_cd\tdec_lat_va\tdec_long_va\thuc_cd\n" +
	"5s\t15s\t50s\t7s\t16s\t16s\t16s\n"

func TestCatalogCommand(t *testing.T) {
	rows := map[string]string{
		"01": "USGS\t01013500\tFish River near Fort Kent, Maine\tST\t47.2375\t-68.5828\t01010002\n",
		// 01646500 is listed under both regions and must be written once.
		"02": "USGS\t01646500\tPotomac River near Wash\tST\t38.9497\t-77.1275\t02070008\n" +
			"USGS\t01646500\tPotomac River near Wash\tST\t38.9497\t-77.1275\t02070008\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dv", r.URL.Query().Get("hasDataTypeCd"))
		_, _ = io.WriteString(w, rdbHeader+rows[r.URL.Query().Get("huc")])
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "sites.csv")
	_, err := execute(t, "catalog", "--hucs", "01,02", "--mode", "dv", "--base-url", srv.URL,
		"--requests-per-second", "0", "--out", out)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "code,name,huc,site_type,latitude,longitude\n"+
		"01013500,\"Fish River near Fort Kent, Maine\",01010002,ST,47.2375,-68.5828\n"+
		"01646500,Potomac River near Wash,02070008,ST,38.9497,-77.1275\n", string(got))
}

func TestCatalogCommand_InvalidMode(t *testing.T) {
	_, err := execute(t, "catalog", "--mode", "hourly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--mode")
}

func TestCatalogCommand_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad huc", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := execute(t, "catalog", "--hucs", "99", "--base-url", srv.URL, "--requests-per-second", "0")
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "sites.csv")
	require.NoError(t, os.WriteFile(catalogPath, []byte("code,huc\nA,01010002\nB,01010003\nC,02070008\n"), 0o600))
	outPath := filepath.Join(dir, "streamflow.csv")

	tr, err := domain.ParseTimeRange("2019-01-01", "2019-01-01")
	require.NoError(t, err)
	st, err := store.Open(store.BackendTabularRow, outPath, store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Flush(context.Background(), []domain.NormalizedSeries{
		{Entity: "B", Index: domain.CanonicalIndex(tr, domain.Daily), Values: []float64{4.2}},
	}))
	require.NoError(t, st.Close())

	t.Setenv("QUALITY_FILTER", "approved")
	t.Setenv("CATALOG_PATH", catalogPath)
	t.Setenv("REGION", "01")
	t.Setenv("BACKEND", "tabular_row")
	t.Setenv("OUTPUT_PATH", outPath)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog    2\n")
	assert.Contains(t, out, "stored     1\n")
	assert.Contains(t, out, "done       1\n")
	assert.Contains(t, out, "remaining  1\n")
}

func TestStatusCommand_StoreBusy(t *testing.T) {
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "sites.csv")
	require.NoError(t, os.WriteFile(catalogPath, []byte("code,huc\nA,01010002\n"), 0o600))
	outPath := filepath.Join(dir, "streamflow.db")

	tr, err := domain.ParseTimeRange("2019-01-01", "2019-01-01")
	require.NoError(t, err)
	writer, err := store.OpenArray(outPath, store.Options{})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Flush(context.Background(), []domain.NormalizedSeries{
		{Entity: "A", Index: domain.CanonicalIndex(tr, domain.Daily), Values: []float64{4.2}},
	}))

	t.Setenv("QUALITY_FILTER", "approved")
	t.Setenv("CATALOG_PATH", catalogPath)
	t.Setenv("BACKEND", "array")
	t.Setenv("OUTPUT_PATH", outPath)

	_, err = execute(t, "status")
	require.ErrorIs(t, err, store.ErrBusy)
	assert.Contains(t, err.Error(), "/progress")

	// Once the writer is gone the same command succeeds without taking the write lock.
	require.NoError(t, writer.Close())
	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "remaining  0\n")
}

func TestStatusCommand_ConfigError(t *testing.T) {
	t.Setenv("QUALITY_FILTER", "")
	_, err := execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUALITY_FILTER")
}

func TestVerifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamflow.db")
	tr, err := domain.ParseTimeRange("2019-01-01", "2019-01-03")
	require.NoError(t, err)
	st, err := store.OpenArray(path, store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Flush(context.Background(), []domain.NormalizedSeries{
		{Entity: "A", Index: domain.CanonicalIndex(tr, domain.Daily), Values: []float64{1, 2, 3}},
		{Entity: "B", Index: domain.CanonicalIndex(tr, domain.Daily), Values: []float64{4, 5, 6}},
	}))
	require.NoError(t, st.Close())

	out, err := execute(t, "verify", "--backend", "array", "--path", path)
	require.NoError(t, err)
	assert.Equal(t, "ok: array store "+path+" holds 2 entities\n", out)
}

func TestVerifyCommand_Duplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamflow.csv")
	require.NoError(t, os.WriteFile(path, []byte("site_code,2019-01-01 00:00:00\nA,1\nA,2\n"), 0o600))

	_, err := execute(t, "verify", "--backend", "tabular_row", "--path", path)
	require.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestVerifyCommand_MissingStore(t *testing.T) {
	_, err := execute(t, "verify", "--path", filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerifyCommand_RequiresPath(t *testing.T) {
	_, err := execute(t, "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(domain.FlushEvent{
		RunID:        "run-1",
		Sequence:     2,
		Destination:  "array:data/streamflow.db",
		Entities:     []domain.EntityID{"A", "B"},
		TotalWritten: 4,
		At:           time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	})
	assert.Equal(t, "2024-03-01T09:30:00Z run=run-1 flush=2 entities=2 total_written=4 dest=array:data/streamflow.db", line)
}

func TestCatalogDefaultsCoverCONUS(t *testing.T) {
	assert.Len(t, conusHUCs, 18)
	assert.Equal(t, "01", conusHUCs[0])
	assert.Equal(t, "18", conusHUCs[17])
	assert.True(t, strings.HasPrefix(nwis.DefaultBaseURL, "https://"))
}
