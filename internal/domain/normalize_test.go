package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSite  = EntityID("01646500")
	testStart = "2019-01-01"
	testEnd   = "2019-01-02"
)

func testOptions(t *testing.T, c Cadence, q QualityPolicy) NormalizeOptions {
	t.Helper()
	tr, err := ParseTimeRange(testStart, testEnd)
	require.NoError(t, err)
	return NormalizeOptions{Range: tr, Cadence: c, Quality: q}
}

func rec(ts, value string, qualifiers ...string) RawRecord {
	return RawRecord{Timestamp: ts, Value: value, Qualifiers: qualifiers}
}

func TestNormalize_HourlyMean(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T00:00:00.000", "10", "A"),
		rec("2019-01-01T00:15:00.000", "20", "A"),
		rec("2019-01-01T00:30:00.000", "30", "A"),
		rec("2019-01-01T00:45:00.000", "40", "A"),
		rec("2019-01-01T01:00:00.000", "5", "A"),
	}}

	got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)

	assert.False(t, out.Dropped)
	assert.Equal(t, testSite, got.Entity)
	require.Len(t, got.Values, 25)
	assert.InDelta(t, 25.0, got.Values[0], 1e-9)
	assert.InDelta(t, 5.0, got.Values[1], 1e-9)
	for i := 2; i < len(got.Values); i++ {
		assert.True(t, math.IsNaN(got.Values[i]), "position %d", i)
	}
}

func TestNormalize_SentinelBecomesNaN(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T00:00:00.000", "-999999", "A"),
		rec("2019-01-01T01:00:00.000", "-999999", "A"),
		rec("2019-01-01T01:15:00.000", "8", "A"),
	}}

	got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)

	assert.False(t, out.Dropped)
	assert.True(t, math.IsNaN(got.Values[0]))
	assert.InDelta(t, 8.0, got.Values[1], 1e-9)
}

func TestNormalize_QualityFilter(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T00:00:00.000", "1", "A"),
		rec("2019-01-01T01:00:00.000", "2", "P"),
		rec("2019-01-01T02:00:00.000", "3", "A", "e"),
		rec("2019-01-01T03:00:00.000", "4", "Eqp"),
	}}

	t.Run("all keeps everything", func(t *testing.T) {
		got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
		require.NoError(t, err)
		assert.Zero(t, out.Excluded)
		assert.Equal(t, []string{"Eqp"}, out.UnknownFlags)
		assert.InDelta(t, 2.0, got.Values[1], 1e-9)
		assert.InDelta(t, 4.0, got.Values[3], 1e-9)
	})

	t.Run("approved only drops provisional and unknown", func(t *testing.T) {
		got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{ApprovedOnly: true}))
		require.NoError(t, err)
		assert.Equal(t, 2, out.Excluded)
		assert.Equal(t, []string{"Eqp"}, out.UnknownFlags)
		assert.InDelta(t, 1.0, got.Values[0], 1e-9)
		assert.True(t, math.IsNaN(got.Values[1]))
		assert.InDelta(t, 3.0, got.Values[2], 1e-9)
		assert.True(t, math.IsNaN(got.Values[3]))
	})

	t.Run("approved only can keep unknown", func(t *testing.T) {
		got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{ApprovedOnly: true, KeepUnknown: true}))
		require.NoError(t, err)
		assert.Equal(t, 1, out.Excluded)
		assert.InDelta(t, 4.0, got.Values[3], 1e-9)
	})

	t.Run("only provisional is dropped", func(t *testing.T) {
		prov := RawRecordSet{Entity: testSite, Records: []RawRecord{
			rec("2019-01-01T00:00:00.000", "1", "P"),
		}}
		_, out, err := Normalize(prov, testOptions(t, Hourly, QualityPolicy{ApprovedOnly: true}))
		require.NoError(t, err)
		assert.True(t, out.Dropped)
		assert.Equal(t, 1, out.Excluded)
	})
}

func TestNormalize_UnknownFlagsAreDistinct(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T00:00:00.000", "1", "Ice"),
		rec("2019-01-01T01:00:00.000", "1", "Ice"),
		rec("2019-01-01T02:00:00.000", "1"),
	}}

	_, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ice", ""}, out.UnknownFlags)
}

func TestNormalize_OffsetTimestampsConvertToUTC(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2018-12-31T19:00:00.000-05:00", "7", "A"),
		rec("2019-01-01T03:30:00.000+02:00", "9", "A"),
	}}

	got, _, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)
	assert.InDelta(t, 7.0, got.Values[0], 1e-9)
	assert.InDelta(t, 9.0, got.Values[1], 1e-9)
}

func TestNormalize_ReindexesFullRange(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T12:00:00.000", "3", "A"),
	}}

	got, _, err := Normalize(raw, testOptions(t, FifteenMinute, QualityPolicy{}))
	require.NoError(t, err)

	assert.Len(t, got.Values, 97)
	assert.Equal(t, 97, got.Index.Len)
	assert.InDelta(t, 3.0, got.Values[48], 1e-9)
}

func TestNormalize_DailyValues(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2019-01-01T00:00:00.000", "100", "A"),
		rec("2019-01-02T00:00:00.000", "110", "A"),
	}}

	got, _, err := Normalize(raw, testOptions(t, Daily, QualityPolicy{ApprovedOnly: true}))
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 110}, got.Values)
}

func TestNormalize_OutOfRangeIgnored(t *testing.T) {
	raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
		rec("2018-12-31T23:00:00.000", "1", "A"),
		rec("2019-01-03T00:00:00.000", "2", "A"),
	}}

	got, out, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)
	assert.False(t, out.Dropped)
	for _, v := range got.Values {
		assert.True(t, math.IsNaN(v))
	}
}

func TestNormalize_Empty(t *testing.T) {
	_, out, err := Normalize(RawRecordSet{Entity: testSite}, testOptions(t, Hourly, QualityPolicy{}))
	require.NoError(t, err)
	assert.True(t, out.Dropped)
}

func TestNormalize_Malformed(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
			rec("2019-01-01T00:00:00.000", "ice", "A"),
		}}
		_, _, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
		require.ErrorIs(t, err, ErrMalformedResponse)
		assert.Contains(t, err.Error(), string(testSite))
	})

	t.Run("timestamp", func(t *testing.T) {
		raw := RawRecordSet{Entity: testSite, Records: []RawRecord{
			rec("yesterday", "1", "A"),
		}}
		_, _, err := Normalize(raw, testOptions(t, Hourly, QualityPolicy{}))
		require.ErrorIs(t, err, ErrMalformedResponse)
	})
}
