package nwis

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// WaterML JSON response types. Only the fields the pipeline reads are mapped.

type response struct {
	Value struct {
		TimeSeries []timeSeries `json:"timeSeries"`
	} `json:"value"`
}

type timeSeries struct {
	SourceInfo sourceInfo   `json:"sourceInfo"`
	Values     []valueBlock `json:"values"`
}

type sourceInfo struct {
	SiteCode []siteCode `json:"siteCode"`
}

type siteCode struct {
	Value      string `json:"value"`
	AgencyCode string `json:"agencyCode"`
}

// valueBlock holds the records of one measurement method.
type valueBlock struct {
	Value []domain.RawRecord `json:"value"`
}

func (ts timeSeries) site() string {
	if len(ts.SourceInfo.SiteCode) == 0 {
		return ""
	}
	return ts.SourceInfo.SiteCode[0].Value
}

// recordSets groups records by requested site, in request order. Sites
// that were not requested are ignored and several time series for one site
// are concatenated.
func (r response) recordSets(requested []domain.EntityID) []domain.RawRecordSet {
	bySite := make(map[domain.EntityID][]domain.RawRecord, len(requested))
	for _, ts := range r.Value.TimeSeries {
		id := domain.EntityID(ts.site())
		for _, v := range ts.Values {
			bySite[id] = append(bySite[id], v.Value...)
		}
	}

	out := make([]domain.RawRecordSet, 0, len(requested))
	for _, id := range requested {
		recs, ok := bySite[id]
		if !ok {
			continue
		}
		out = append(out, domain.RawRecordSet{Entity: id, Records: recs})
		delete(bySite, id)
	}
	return out
}

// bodyReader undoes gzip content encoding. The client asks for gzip
// explicitly, so the transport does not decode it.
func bodyReader(resp *http.Response) (io.Reader, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return zr, nil
}
