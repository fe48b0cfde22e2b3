package store

import (
	"context"
	"sort"
	"sync"

	"github.com/quantora/candle-ingest/internal/model"
)

// Memory is an in-process Store with the same semantics as Postgres.
// Used by tests and by the one-shot backfill tool's dry-run mode.
type Memory struct {
	mu       sync.Mutex
	series   map[string]map[int64]model.Candle
	trackers map[string]*frontierTracker
}

func NewMemory() *Memory {
	return &Memory{
		series:   make(map[string]map[int64]model.Candle),
		trackers: make(map[string]*frontierTracker),
	}
}

func (m *Memory) Upsert(_ context.Context, c model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seriesKey(c.Symbol, c.Interval)
	candles, ok := m.series[key]
	if !ok {
		candles = make(map[int64]model.Candle)
		m.series[key] = candles
		m.trackers[key] = newFrontierTracker(c.Interval.StepMs())
	}

	if prev, exists := candles[c.OpenTime]; exists && prev.IsFinal {
		if !c.IsFinal {
			return &model.StaleUpdateError{Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime}
		}
		if prev.Equal(c) {
			return nil
		}
	}

	candles[c.OpenTime] = c
	m.trackers[key].observe(c)
	return nil
}

func (m *Memory) RangeScan(_ context.Context, symbol string, interval model.Interval, start, end int64) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Candle, 0)
	for openTime, c := range m.series[seriesKey(symbol, interval)] {
		if openTime >= start && openTime < end {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

func (m *Memory) Frontier(_ context.Context, symbol string, interval model.Interval) (model.Frontier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker, ok := m.trackers[seriesKey(symbol, interval)]
	if !ok {
		return model.Frontier{}, nil
	}
	return tracker.snapshot(), nil
}
