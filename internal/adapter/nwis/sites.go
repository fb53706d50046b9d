package nwis

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// Site is one row of the NWIS site service.
type Site struct {
	Code      string
	Name      string
	HUC       string
	SiteType  string
	Latitude  float64
	Longitude float64
}

// Sites lists stream sites in a hydrologic unit that report the client's
// parameter for the given product.
func (c *Client) Sites(ctx context.Context, huc string, mode domain.Mode) ([]Site, error) {
	params := url.Values{
		"format":        {"rdb"},
		"huc":           {huc},
		"siteType":      {"ST"},
		"parameterCd":   {c.parameterCode},
		"hasDataTypeCd": {string(mode)},
		"siteStatus":    {"all"},
	}
	u := fmt.Sprintf("%s/site/?%s", c.baseURL, params.Encode())

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("huc %s: rate limit: %w", huc, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("huc %s: %w", huc, ctx.Err())
		}
		return nil, fmt.Errorf("%w: huc %s: %w", domain.ErrTransientTransport, huc, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return []Site{}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: huc %s: status %d: %s", domain.ErrMalformedResponse, huc, resp.StatusCode, body)
	}

	sites, err := parseRDB(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: huc %s: %w", domain.ErrMalformedResponse, huc, err)
	}
	return sites, nil
}

// parseRDB reads the tab-separated RDB format: '#' comment lines, a header,
// a column-format line such as "5s\t15s", then data rows.
func parseRDB(r io.Reader) ([]Site, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []Site{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["site_no"]; !ok {
		return nil, errors.New("rdb header has no site_no column")
	}
	if _, err := cr.Read(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read format line: %w", err)
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	sites := []Site{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s := Site{
			Code:     field(row, "site_no"),
			Name:     field(row, "station_nm"),
			HUC:      field(row, "huc_cd"),
			SiteType: field(row, "site_tp_cd"),
		}
		if s.Code == "" {
			continue
		}
		s.Latitude, _ = strconv.ParseFloat(field(row, "dec_lat_va"), 64)
		s.Longitude, _ = strconv.ParseFloat(field(row, "dec_long_va"), 64)
		sites = append(sites, s)
	}
	return sites, nil
}
