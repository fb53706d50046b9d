package domain

import (
	"fmt"
	"time"
)

// EntityID identifies a remote data source unit such as an NWIS site code
// ("01646500") or an NHDPlus catchment COMID.
type EntityID string

// Batch is an ordered group of entities fetched with a single request.
type Batch struct {
	Index int
	IDs   []EntityID
}

// RawRecord is one unparsed observation as returned by the remote service.
type RawRecord struct {
	Timestamp  string   `json:"dateTime"`
	Value      string   `json:"value"`
	Qualifiers []string `json:"qualifiers"`
}

// RawRecordSet holds every observation returned for one entity in one fetch.
type RawRecordSet struct {
	Entity  EntityID
	Records []RawRecord
}

// TimeRange is an inclusive date range. Start and End are UTC midnights.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ParseTimeRange parses two YYYY-MM-DD dates into a TimeRange.
func ParseTimeRange(start, end string) (TimeRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return TimeRange{}, fmt.Errorf("parse start date %q: %w", start, err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return TimeRange{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if e.Before(s) {
		return TimeRange{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return TimeRange{Start: s, End: e}, nil
}

// TimeIndex is a regular time axis: Len steps of Step starting at Start.
type TimeIndex struct {
	Start time.Time
	Step  time.Duration
	Len   int
}

// CanonicalIndex returns the index spanning the whole range at the cadence,
// both ends included.
func CanonicalIndex(tr TimeRange, c Cadence) TimeIndex {
	step := c.Duration()
	return TimeIndex{
		Start: tr.Start,
		Step:  step,
		Len:   int(tr.End.Sub(tr.Start)/step) + 1,
	}
}

// At returns the timestamp of position i.
func (ix TimeIndex) At(i int) time.Time {
	return ix.Start.Add(time.Duration(i) * ix.Step)
}

// End returns the last timestamp on the index.
func (ix TimeIndex) End() time.Time {
	if ix.Len == 0 {
		return ix.Start
	}
	return ix.At(ix.Len - 1)
}

// Position returns the index position of t, or false when t is not on the axis.
func (ix TimeIndex) Position(t time.Time) (int, bool) {
	if t.Before(ix.Start) {
		return 0, false
	}
	d := t.Sub(ix.Start)
	if d%ix.Step != 0 {
		return 0, false
	}
	i := int(d / ix.Step)
	if i >= ix.Len {
		return 0, false
	}
	return i, true
}

// Equal reports whether two indexes describe the same axis.
func (ix TimeIndex) Equal(other TimeIndex) bool {
	return ix.Start.Equal(other.Start) && ix.Step == other.Step && ix.Len == other.Len
}

func (ix TimeIndex) String() string {
	return fmt.Sprintf("%s..%s every %s (%d steps)",
		ix.Start.Format(time.RFC3339), ix.End().Format(time.RFC3339), ix.Step, ix.Len)
}

// NormalizedSeries is a cleaned, regularly spaced series for one entity.
// Missing observations are NaN.
type NormalizedSeries struct {
	Entity EntityID
	Index  TimeIndex
	Values []float64
}
