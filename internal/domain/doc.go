// Package domain models USGS NWIS streamflow observations and the rules that
// turn them into aligned, regularly spaced series.
//
// # Data Source
//
// Observations come from the NWIS Water Services JSON API
// (https://waterservices.usgs.gov/). Two products are used: "iv"
// (instantaneous values, typically every 15 minutes) and "dv" (daily mean
// values). Streamflow is parameter code 00060, in cubic feet per second.
//
// # NWIS Data Conventions
//
// Timestamps:
//
//	Instantaneous values carry a local offset: "2019-06-01T13:15:00.000-04:00".
//	Daily values are naive dates at midnight: "2019-06-01T00:00:00.000".
//	Both are converted to UTC and the zone is dropped.
//
// Qualifiers:
//
//	Every record carries a list such as ["A"], ["P"], ["A", "e"] or ["P", "Ice"].
//	The first element is the approval class:
//	  A  approved for publication
//	  P  provisional, subject to revision
//	Any other first element is unrecognized. It is reported, never fatal, and
//	kept or dropped per QualityPolicy.
//
// Missing values:
//
//	-999999 is the NWIS sentinel for "no value". It is replaced by NaN before
//	aggregation so it never contaminates a bucket mean.
//
// # Canonical Index
//
// Every series normalized with the same options spans the full requested date
// range at the cadence, both ends included, regardless of what the service
// returned. Unobserved buckets are NaN. This makes series from one run
// directly stackable along the entity axis. See [CanonicalIndex].
package domain
