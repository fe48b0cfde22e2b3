package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/store"
)

const _minMs = 60_000

type fakeBackfiller struct {
	st   *store.Memory
	fill bool
	gate chan struct{}

	mu    sync.Mutex
	calls [][2]int64
}

func (b *fakeBackfiller) Backfill(ctx context.Context, symbol string, interval model.Interval, start, end int64) error {
	b.mu.Lock()
	b.calls = append(b.calls, [2]int64{start, end})
	b.mu.Unlock()

	if b.gate != nil {
		<-b.gate
	}
	if !b.fill {
		return nil
	}

	step := interval.StepMs()
	for openTime := start; openTime < end; openTime += step {
		if err := b.st.Upsert(ctx, finalCandle(symbol, interval, openTime)); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackfiller) callRanges() [][2]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][2]int64, len(b.calls))
	copy(out, b.calls)
	return out
}

func finalCandle(symbol string, interval model.Interval, openTime int64) model.Candle {
	return model.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: openTime,
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(110),
		Low:      decimal.NewFromInt(90),
		Close:    decimal.NewFromInt(105),
		Volume:   decimal.NewFromInt(1),
		IsFinal:  true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

// base returns an interval-aligned open time n buckets before now.
func base(interval model.Interval, n int64) int64 {
	return interval.Truncate(time.Now().UnixMilli()) - n*interval.StepMs()
}

func TestRepairAdvancesFrontier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	b0 := base(model.Interval1m, 20)
	for i := int64(0); i < 3; i++ {
		if err := st.Upsert(ctx, finalCandle("BTCUSDC", model.Interval1m, b0+i*_minMs)); err != nil {
			t.Fatalf("seed: %s", err)
		}
	}

	backfiller := &fakeBackfiller{st: st, fill: true}
	r := New(st, backfiller, logger.NewNop())

	g0, g1 := b0+3*_minMs, b0+6*_minMs
	r.Suspect(ctx, model.GapSuspected{Symbol: "BTCUSDC", Interval: model.Interval1m, From: g0, To: g1})
	r.Wait()

	frontier, _ := st.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime < g1-_minMs {
		t.Fatalf("frontier after repair: %+v, want >= %d", frontier, g1-_minMs)
	}
	if len(r.Unresolved()) != 0 {
		t.Fatalf("unexpected unresolved gaps: %+v", r.Unresolved())
	}
}

func TestConcurrentSuspicionsCoalesce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	b0 := base(model.Interval1m, 30)
	gate := make(chan struct{})
	backfiller := &fakeBackfiller{st: st, fill: true, gate: gate}
	r := New(st, backfiller, logger.NewNop())

	// first repair starts and blocks in the backfiller
	r.Suspect(ctx, model.GapSuspected{Symbol: "BTCUSDC", Interval: model.Interval1m, From: b0, To: b0 + 2*_minMs})
	waitFor(t, func() bool { return len(backfiller.callRanges()) == 1 })

	// these arrive while the first is in flight and must merge
	r.Suspect(ctx, model.GapSuspected{Symbol: "BTCUSDC", Interval: model.Interval1m, From: b0 + 4*_minMs, To: b0 + 6*_minMs})
	r.Suspect(ctx, model.GapSuspected{Symbol: "BTCUSDC", Interval: model.Interval1m, From: b0 + 3*_minMs, To: b0 + 5*_minMs})

	close(gate)
	r.Wait()

	calls := backfiller.callRanges()
	if len(calls) != 2 {
		t.Fatalf("expected 2 repair calls, got %d: %+v", len(calls), calls)
	}
	if calls[1][0] != b0+3*_minMs || calls[1][1] != b0+6*_minMs {
		t.Fatalf("second repair is not the union: %+v", calls[1])
	}
}

func TestUnresolvedGapSurfaces(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	b0 := base(model.Interval1m, 20)
	backfiller := &fakeBackfiller{st: st, fill: false}
	r := New(st, backfiller, logger.NewNop())

	r.Suspect(ctx, model.GapSuspected{Symbol: "BTCUSDC", Interval: model.Interval1m, From: b0, To: b0 + 3*_minMs})
	r.Wait()

	unresolved := r.Unresolved()
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved gap, got %d", len(unresolved))
	}
	if unresolved[0].From != b0 || unresolved[0].To != b0+3*_minMs {
		t.Fatalf("unresolved range: %+v", unresolved[0])
	}

	// one retry, no more
	if calls := backfiller.callRanges(); len(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(calls))
	}
}

func TestCheckOnStartRepairsTail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	b0 := base(model.Interval1m, 5)
	for i := int64(0); i < 2; i++ {
		if err := st.Upsert(ctx, finalCandle("BTCUSDC", model.Interval1m, b0+i*_minMs)); err != nil {
			t.Fatalf("seed: %s", err)
		}
	}

	backfiller := &fakeBackfiller{st: st, fill: true}
	r := New(st, backfiller, logger.NewNop())

	if err := r.CheckOnStart(ctx, "BTCUSDC", model.Interval1m); err != nil {
		t.Fatalf("startup check: %s", err)
	}
	r.Wait()

	lastClosed := model.Interval1m.Truncate(time.Now().UnixMilli()) - _minMs
	frontier, _ := st.Frontier(ctx, "BTCUSDC", model.Interval1m)
	if frontier.LastFinalOpenTime < lastClosed {
		t.Fatalf("tail not repaired: frontier %+v, want >= %d", frontier, lastClosed)
	}
}

func TestCheckOnStartCaughtUp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	lastClosed := model.Interval1m.Truncate(time.Now().UnixMilli()) - _minMs
	if err := st.Upsert(ctx, finalCandle("BTCUSDC", model.Interval1m, lastClosed)); err != nil {
		t.Fatalf("seed: %s", err)
	}

	backfiller := &fakeBackfiller{st: st, fill: true}
	r := New(st, backfiller, logger.NewNop())

	if err := r.CheckOnStart(ctx, "BTCUSDC", model.Interval1m); err != nil {
		t.Fatalf("startup check: %s", err)
	}
	r.Wait()

	if calls := backfiller.callRanges(); len(calls) != 0 {
		t.Fatalf("caught-up series triggered repair: %+v", calls)
	}

	// empty series also needs no repair here, initial backfill owns it
	if err := r.CheckOnStart(ctx, "ETHUSDC", model.Interval1m); err != nil {
		t.Fatalf("startup check empty: %s", err)
	}
	r.Wait()
	if calls := backfiller.callRanges(); len(calls) != 0 {
		t.Fatalf("empty series triggered repair: %+v", calls)
	}
}
