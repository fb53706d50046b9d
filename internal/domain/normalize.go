package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MissingSentinel is the NWIS literal for "no value". It is scrubbed to NaN.
const MissingSentinel = -999999

// Quality classes carried in the first qualifier of an NWIS record.
const (
	QualityApproved    = "A"
	QualityProvisional = "P"
)

// naiveLayout covers daily-value timestamps, which carry no offset.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// QualityPolicy controls which records survive the quality filter.
type QualityPolicy struct {
	// ApprovedOnly keeps approved records and drops provisional ones.
	ApprovedOnly bool
	// KeepUnknown keeps records whose quality class is not recognized.
	// Only consulted when ApprovedOnly is set.
	KeepUnknown bool
}

// NormalizeOptions parameterize Normalize. Every entity normalized with the
// same options gets the same time index.
type NormalizeOptions struct {
	Range   TimeRange
	Cadence Cadence
	Quality QualityPolicy
}

// Outcome reports what Normalize did besides producing a series.
type Outcome struct {
	// Dropped is set when no records survived the quality filter.
	Dropped bool
	// Excluded counts records removed by the quality filter.
	Excluded int
	// UnknownFlags lists each distinct unrecognized quality class seen.
	UnknownFlags []string
}

// Normalize turns one entity's raw records into a series on the canonical
// index: timestamps go to UTC, the quality filter runs, the sentinel becomes
// NaN, samples are averaged per cadence bucket and the result is reindexed
// over the whole range. An unparseable timestamp or value fails with
// ErrMalformedResponse.
func Normalize(raw RawRecordSet, opts NormalizeOptions) (NormalizedSeries, Outcome, error) {
	var out Outcome
	index := CanonicalIndex(opts.Range, opts.Cadence)
	step := opts.Cadence.Duration()

	sums := make([]float64, index.Len)
	counts := make([]int, index.Len)
	kept := 0
	seenUnknown := map[string]bool{}

	for i, rec := range raw.Records {
		class := qualityClass(rec.Qualifiers)
		known := class == QualityApproved || class == QualityProvisional
		if !known && !seenUnknown[class] {
			seenUnknown[class] = true
			out.UnknownFlags = append(out.UnknownFlags, class)
		}
		if !opts.Quality.accepts(class, known) {
			out.Excluded++
			continue
		}
		kept++

		ts, err := parseTimestamp(rec.Timestamp)
		if err != nil {
			return NormalizedSeries{}, out, fmt.Errorf("%w: entity %s record %d: %w", ErrMalformedResponse, raw.Entity, i, err)
		}
		v, err := parseValue(rec.Value)
		if err != nil {
			return NormalizedSeries{}, out, fmt.Errorf("%w: entity %s record %d: %w", ErrMalformedResponse, raw.Entity, i, err)
		}
		if math.IsNaN(v) {
			continue
		}

		pos, ok := index.Position(ts.Truncate(step))
		if !ok {
			continue
		}
		sums[pos] += v
		counts[pos]++
	}

	if kept == 0 {
		out.Dropped = true
		return NormalizedSeries{}, out, nil
	}

	values := make([]float64, index.Len)
	for i := range values {
		if counts[i] == 0 {
			values[i] = math.NaN()
			continue
		}
		values[i] = sums[i] / float64(counts[i])
	}

	return NormalizedSeries{Entity: raw.Entity, Index: index, Values: values}, out, nil
}

func (q QualityPolicy) accepts(class string, known bool) bool {
	if !q.ApprovedOnly {
		return true
	}
	if !known {
		return q.KeepUnknown
	}
	return class == QualityApproved
}

// qualityClass returns the first qualifier, e.g. "A" for ["A", "e"].
func qualityClass(qualifiers []string) string {
	if len(qualifiers) == 0 {
		return ""
	}
	return strings.TrimSpace(qualifiers[0])
}

// parseTimestamp accepts RFC 3339 with an offset ("2019-01-01T00:15:00.000-05:00")
// or a naive timestamp, which is taken as UTC. The result is always UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(naiveLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}

// parseValue converts a reading to float64, mapping the sentinel to NaN.
func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", s, err)
	}
	if v == MissingSentinel {
		return math.NaN(), nil
	}
	return v, nil
}
