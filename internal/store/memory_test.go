package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantora/candle-ingest/internal/model"
)

const _step = 60_000 // 1m in ms

func testCandle(openTime int64, volume string, final bool) model.Candle {
	return model.Candle{
		Symbol:   "BTCUSDC",
		Interval: model.Interval1m,
		OpenTime: openTime,
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(110),
		Low:      decimal.NewFromInt(90),
		Close:    decimal.NewFromInt(105),
		Volume:   decimal.RequireFromString(volume),
		IsFinal:  final,
	}
}

func TestUpsertFinalityRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// non-final, then final: allowed
	if err := m.Upsert(ctx, testCandle(_step, "1", false)); err != nil {
		t.Fatalf("upsert non-final: %s", err)
	}
	if err := m.Upsert(ctx, testCandle(_step, "2", true)); err != nil {
		t.Fatalf("final over non-final: %s", err)
	}

	// non-final over final: rejected, state unchanged
	err := m.Upsert(ctx, testCandle(_step, "3", false))
	var stale *model.StaleUpdateError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleUpdateError, got %v", err)
	}
	candles, _ := m.RangeScan(ctx, "BTCUSDC", model.Interval1m, 0, 10*_step)
	if len(candles) != 1 || !candles[0].IsFinal || !candles[0].Volume.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("final candle regressed: %+v", candles)
	}

	// final over final, different values: correction replaces
	if err := m.Upsert(ctx, testCandle(_step, "4", true)); err != nil {
		t.Fatalf("final correction: %s", err)
	}
	candles, _ = m.RangeScan(ctx, "BTCUSDC", model.Interval1m, 0, 10*_step)
	if !candles[0].Volume.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("correction not applied: %+v", candles[0])
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	c := testCandle(_step, "7", true)
	if err := m.Upsert(ctx, c); err != nil {
		t.Fatalf("first upsert: %s", err)
	}
	if err := m.Upsert(ctx, c); err != nil {
		t.Fatalf("identical re-apply: %s", err)
	}

	candles, _ := m.RangeScan(ctx, "BTCUSDC", model.Interval1m, 0, 10*_step)
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle after idempotent re-apply, got %d", len(candles))
	}
	frontier, _ := m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != _step {
		t.Fatalf("frontier moved by re-apply: %+v", frontier)
	}
}

func TestRangeScanOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// insert out of order
	for _, openTime := range []int64{3 * _step, _step, 2 * _step} {
		if err := m.Upsert(ctx, testCandle(openTime, "1", true)); err != nil {
			t.Fatalf("upsert: %s", err)
		}
	}

	candles, err := m.RangeScan(ctx, "BTCUSDC", model.Interval1m, _step, 3*_step)
	if err != nil {
		t.Fatalf("range scan: %s", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles in [%d, %d), got %d", _step, 3*_step, len(candles))
	}
	if candles[0].OpenTime != _step || candles[1].OpenTime != 2*_step {
		t.Fatalf("scan not ordered: %d, %d", candles[0].OpenTime, candles[1].OpenTime)
	}

	empty, err := m.RangeScan(ctx, "BTCUSDC", model.Interval1m, 10*_step, 10*_step)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty range: got %d candles, err %v", len(empty), err)
	}
}

func TestFrontierAdvances(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := int64(1); i <= 3; i++ {
		if err := m.Upsert(ctx, testCandle(i*_step, "1", true)); err != nil {
			t.Fatalf("upsert: %s", err)
		}
	}

	frontier, _ := m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.EarliestOpenTime != _step || frontier.LastFinalOpenTime != 3*_step {
		t.Fatalf("frontier after contiguous finals: %+v", frontier)
	}

	// non-final at the tip does not advance the final watermark
	if err := m.Upsert(ctx, testCandle(4*_step, "1", false)); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	frontier, _ = m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != 3*_step {
		t.Fatalf("non-final advanced frontier: %+v", frontier)
	}
}

func TestFrontierDrainsAheadFinals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// finals land beyond a hole at 2*step
	for _, openTime := range []int64{_step, 3 * _step, 4 * _step} {
		if err := m.Upsert(ctx, testCandle(openTime, "1", true)); err != nil {
			t.Fatalf("upsert: %s", err)
		}
	}
	frontier, _ := m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != _step {
		t.Fatalf("frontier crossed a hole: %+v", frontier)
	}

	// filling the hole drains the waiting finals in one step
	if err := m.Upsert(ctx, testCandle(2*_step, "1", true)); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	frontier, _ = m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != 4*_step {
		t.Fatalf("frontier did not drain ahead finals: %+v", frontier)
	}
}

func TestFrontierReanchorsWhenHistoryExtendsDown(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// the stream finalizes the tip first
	if err := m.Upsert(ctx, testCandle(3*_step, "1", true)); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	// history lands below it, with 2*step still missing
	if err := m.Upsert(ctx, testCandle(_step, "1", true)); err != nil {
		t.Fatalf("upsert: %s", err)
	}

	frontier, _ := m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.EarliestOpenTime != _step || frontier.LastFinalOpenTime != _step {
		t.Fatalf("frontier claims contiguity across a hole: %+v", frontier)
	}

	// filling the hole merges the runs
	if err := m.Upsert(ctx, testCandle(2*_step, "1", true)); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	frontier, _ = m.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != 3*_step {
		t.Fatalf("runs not merged after filling the hole: %+v", frontier)
	}
}

func TestSeriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Upsert(ctx, testCandle(_step, "1", true)); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	other := testCandle(5*_step, "1", true)
	other.Symbol = "ETHUSDC"
	if err := m.Upsert(ctx, other); err != nil {
		t.Fatalf("upsert: %s", err)
	}

	candles, _ := m.RangeScan(ctx, "BTCUSDC", model.Interval1m, 0, 10*_step)
	if len(candles) != 1 {
		t.Fatalf("scan crossed series: %d candles", len(candles))
	}
	frontier, _ := m.Frontier(ctx, "ETHUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime != 5*_step {
		t.Fatalf("independent frontier: %+v", frontier)
	}
}
