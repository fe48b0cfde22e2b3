package model

import "fmt"

// StaleUpdateError reports an attempt to overwrite a final candle with a
// non-final one. A closed bucket must never regress to open.
type StaleUpdateError struct {
	Symbol   string
	Interval Interval
	OpenTime int64
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("stale update: %s %s open_time=%d is already final", e.Symbol, e.Interval, e.OpenTime)
}

// BackfillFailedError means a window could not be fetched after all retries.
// LastCursor is the first open time not yet committed; a caller can resume
// the backfill from there.
type BackfillFailedError struct {
	Symbol     string
	Interval   Interval
	LastCursor int64
	Err        error
}

func (e *BackfillFailedError) Error() string {
	return fmt.Sprintf("backfill %s %s failed at cursor=%d: %s", e.Symbol, e.Interval, e.LastCursor, e.Err)
}

func (e *BackfillFailedError) Unwrap() error {
	return e.Err
}

// UnresolvedGapError means a gap repair did not restore contiguity. It is
// operator-visible and non-fatal: ingestion of new data continues while the
// range stays flagged.
type UnresolvedGapError struct {
	Symbol   string
	Interval Interval
	From     int64
	To       int64
	Err      error
}

func (e *UnresolvedGapError) Error() string {
	return fmt.Sprintf("unresolved gap %s %s [%d, %d): %s", e.Symbol, e.Interval, e.From, e.To, e.Err)
}

func (e *UnresolvedGapError) Unwrap() error {
	return e.Err
}
