package domain

import "time"

// FlushEvent describes one durable flush of a run.
type FlushEvent struct {
	RunID       string     `json:"run_id"`
	Sequence    int        `json:"sequence"`
	Destination string     `json:"destination,omitempty"`
	Entities    []EntityID `json:"entities"`
	// TotalWritten counts entities written by the run so far, this flush included.
	TotalWritten int       `json:"total_written"`
	At           time.Time `json:"at"`
}
