package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

const sitesCSV = `,code,name,huc,latitude,longitude
01013500,01013500,Fish River near Fort Kent,01010002,47.2375,-68.5828
02087500,02087500,Neuse River near Clayton,03020201,35.6472,-78.4056
01646500,01646500,Potomac River near Wash,02070008,38.9498,-77.1276
01013500,01013500,Fish River near Fort Kent,01010002,47.2375,-68.5828
,,blank row,02070008,,
01594440,01594440,Patuxent River near Bowie,02060006,38.9559,-76.6936
`

func TestEntitiesForRegion(t *testing.T) {
	t.Run("prefix filter keeps table order", func(t *testing.T) {
		got, err := EntitiesForRegion(strings.NewReader(sitesCSV), SitesTable, "02")
		require.NoError(t, err)
		assert.Equal(t, []domain.EntityID{"01646500", "01594440"}, got)
	})

	t.Run("empty filter keeps all, deduplicated", func(t *testing.T) {
		got, err := EntitiesForRegion(strings.NewReader(sitesCSV), SitesTable, "")
		require.NoError(t, err)
		assert.Equal(t, []domain.EntityID{"01013500", "02087500", "01646500", "01594440"}, got)
	})

	t.Run("no match is empty, not nil", func(t *testing.T) {
		got, err := EntitiesForRegion(strings.NewReader(sitesCSV), SitesTable, "18")
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("excluded identifiers", func(t *testing.T) {
		catchments := "FEATUREID,AreaSqKM\n0,1.2\n4505876,3.4\n4505880,0.7\n0,2.2\n"
		table := Table{IDColumn: "FEATUREID", Exclude: []string{"0"}}
		got, err := EntitiesForRegion(strings.NewReader(catchments), table, "anything")
		require.NoError(t, err)
		assert.Equal(t, []domain.EntityID{"4505876", "4505880"}, got)
	})

	t.Run("byte order mark on header", func(t *testing.T) {
		got, err := EntitiesForRegion(strings.NewReader("\ufeffcode,huc\n0101,01\n"), SitesTable, "01")
		require.NoError(t, err)
		assert.Equal(t, []domain.EntityID{"0101"}, got)
	})
}

func TestEntitiesForRegion_Errors(t *testing.T) {
	cases := map[string]struct {
		input  string
		filter string
	}{
		"empty input":           {input: "", filter: ""},
		"missing id column":     {input: "site,huc\n1,01\n", filter: ""},
		"missing region column": {input: "code,state\n1,VA\n", filter: "01"},
		"malformed quoting":     {input: "code,huc\n\"01,01\n", filter: ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := EntitiesForRegion(strings.NewReader(tc.input), SitesTable, tc.filter)
			require.ErrorIs(t, err, domain.ErrCatalogLoad)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.csv")
	require.NoError(t, os.WriteFile(path, []byte(sitesCSV), 0o600))

	got, err := Load(path, SitesTable, "01")
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityID{"01013500"}, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), SitesTable, "")
	require.ErrorIs(t, err, domain.ErrCatalogLoad)
}
