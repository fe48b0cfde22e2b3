package model

import (
	"fmt"
	"time"
)

// Interval is a candle bucket duration as named by the exchange.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var _intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if !i.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return i, nil
}

func (i Interval) Valid() bool {
	_, ok := _intervalDurations[i]
	return ok
}

func (i Interval) Duration() time.Duration {
	return _intervalDurations[i]
}

// StepMs is the bucket width in epoch milliseconds.
func (i Interval) StepMs() int64 {
	return i.Duration().Milliseconds()
}

// Truncate aligns ts (epoch ms) down to the start of its bucket.
func (i Interval) Truncate(ts int64) int64 {
	step := i.StepMs()
	if step == 0 {
		return ts
	}
	return ts - ts%step
}

func (i Interval) String() string {
	return string(i)
}
