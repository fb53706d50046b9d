package domain

import (
	"fmt"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Cadence is the fixed time step raw observations are aggregated to.
type Cadence time.Duration

// Common cadences.
const (
	Minute        = Cadence(time.Minute)
	FifteenMinute = Cadence(15 * time.Minute)
	Hourly        = Cadence(time.Hour)
	Daily         = Cadence(day)
)

// ParseCadence accepts pandas-style frequency codes ("15T", "15min", "T",
// "H", "D") or a Go duration that evenly divides a day ("30m").
func ParseCadence(s string) (Cadence, error) {
	code := strings.TrimSpace(s)
	switch strings.ToUpper(code) {
	case "T", "MIN", "1T", "1MIN":
		return Minute, nil
	case "15T", "15MIN":
		return FifteenMinute, nil
	case "H", "1H":
		return Hourly, nil
	case "D", "1D":
		return Daily, nil
	}

	d, err := time.ParseDuration(code)
	if err != nil {
		return 0, fmt.Errorf("unknown cadence %q", s)
	}
	if d <= 0 || d > day || day%d != 0 {
		return 0, fmt.Errorf("cadence %q must evenly divide one day", s)
	}
	return Cadence(d), nil
}

// Duration returns the cadence as a time.Duration.
func (c Cadence) Duration() time.Duration { return time.Duration(c) }

func (c Cadence) String() string {
	switch c {
	case Minute:
		return "T"
	case FifteenMinute:
		return "15T"
	case Hourly:
		return "H"
	case Daily:
		return "D"
	default:
		return time.Duration(c).String()
	}
}

// Mode selects the NWIS service product.
type Mode string

const (
	// ModeInstantaneous is the "iv" product: raw sub-daily readings.
	ModeInstantaneous Mode = "iv"
	// ModeDaily is the "dv" product: daily statistics.
	ModeDaily Mode = "dv"
)

// ModeForCadence picks the product that can feed a cadence: daily values for
// a daily cadence, instantaneous values for anything finer.
func ModeForCadence(c Cadence) Mode {
	if c.Duration() >= day {
		return ModeDaily
	}
	return ModeInstantaneous
}
