// Package catalog reads the reference table of entities to ingest.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// Table names the columns of a reference table.
type Table struct {
	// IDColumn holds the entity identifier, e.g. "code" or "FEATUREID".
	IDColumn string
	// RegionColumn holds the region code matched against the filter, e.g.
	// "huc". Empty disables region filtering.
	RegionColumn string
	// Exclude lists identifiers that are never returned, such as the "0"
	// placeholder in catchment tables.
	Exclude []string
}

// SitesTable is the layout written by the site catalog builder.
var SitesTable = Table{IDColumn: "code", RegionColumn: "huc"}

// Load opens path and returns the entities for the region.
func Load(path string, table Table, regionFilter string) ([]domain.EntityID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCatalogLoad, err)
	}
	defer f.Close()
	return EntitiesForRegion(f, table, regionFilter)
}

// EntitiesForRegion returns the identifiers of every row whose region value
// starts with regionFilter, in table order. An empty filter selects every row.
// Blank, excluded and repeated identifiers are skipped; the first occurrence
// of an identifier fixes its position.
func EntitiesForRegion(r io.Reader, table Table, regionFilter string) ([]domain.EntityID, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty table", domain.ErrCatalogLoad)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", domain.ErrCatalogLoad, err)
	}

	idCol := columnIndex(header, table.IDColumn)
	if idCol < 0 {
		return nil, fmt.Errorf("%w: missing id column %q", domain.ErrCatalogLoad, table.IDColumn)
	}
	regionCol := -1
	if table.RegionColumn != "" && regionFilter != "" {
		regionCol = columnIndex(header, table.RegionColumn)
		if regionCol < 0 {
			return nil, fmt.Errorf("%w: missing region column %q", domain.ErrCatalogLoad, table.RegionColumn)
		}
	}

	var ids []domain.EntityID
	seen := make(map[string]bool)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCatalogLoad, err)
		}
		if idCol >= len(row) {
			continue
		}
		if regionCol >= 0 {
			if regionCol >= len(row) || !strings.HasPrefix(strings.TrimSpace(row[regionCol]), regionFilter) {
				continue
			}
		}

		id := strings.TrimSpace(row[idCol])
		if id == "" || seen[id] || slices.Contains(table.Exclude, id) {
			continue
		}
		seen[id] = true
		ids = append(ids, domain.EntityID(id))
	}

	if ids == nil {
		ids = []domain.EntityID{}
	}
	return ids, nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		// Excel exports can carry a byte order mark on the first column.
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == name {
			return i
		}
	}
	return -1
}
