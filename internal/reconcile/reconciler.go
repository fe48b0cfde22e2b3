// Package reconcile keeps the persisted series gap-free: it reacts to
// GapSuspected events and startup frontier checks by running targeted
// backfills and verifying contiguity afterwards.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/store"
)

// Backfiller is the targeted-repair dependency, satisfied by
// backfill.Fetcher.
type Backfiller interface {
	Backfill(ctx context.Context, symbol string, interval model.Interval, start, end int64) error
}

// repairState coalesces suspicions for one series: while a repair is in
// flight, further ranges fold into the pending union and trigger one
// follow-up repair.
type repairState struct {
	inFlight     bool
	pendingFrom  int64
	pendingTo    int64
	pendingValid bool
}

type Reconciler struct {
	store      store.Store
	backfiller Backfiller
	logger     logger.Logger

	mu      sync.Mutex
	repairs map[string]*repairState

	unresolvedMu sync.Mutex
	unresolved   []*model.UnresolvedGapError

	wg sync.WaitGroup
}

func New(st store.Store, backfiller Backfiller, logger logger.Logger) *Reconciler {
	return &Reconciler{
		store:      st,
		backfiller: backfiller,
		logger:     logger,
		repairs:    make(map[string]*repairState),
	}
}

// CheckOnStart compares the stored frontier against the clock and raises a
// suspicion for the uncovered tail.
func (r *Reconciler) CheckOnStart(ctx context.Context, symbol string, interval model.Interval) error {
	frontier, err := r.store.Frontier(ctx, symbol, interval)
	if err != nil {
		return fmt.Errorf("%w: can't read frontier for startup check", err)
	}
	if frontier.Empty() {
		return nil
	}

	now := time.Now().UnixMilli()
	next := frontier.LastFinalOpenTime + interval.StepMs()
	if next >= interval.Truncate(now) {
		r.logger.Infof("series %s %s caught up, frontier at %d", symbol, interval, frontier.LastFinalOpenTime)
		return nil
	}

	r.Suspect(ctx, model.GapSuspected{
		Symbol:   symbol,
		Interval: interval,
		From:     next,
		To:       now,
	})
	return nil
}

// Suspect schedules a repair for the gap. At most one repair per series is
// in flight; concurrent suspicions for the same series merge into the
// union of their ranges.
func (r *Reconciler) Suspect(ctx context.Context, gap model.GapSuspected) {
	key := gap.Symbol + ":" + string(gap.Interval)

	r.mu.Lock()
	st, ok := r.repairs[key]
	if !ok {
		st = &repairState{}
		r.repairs[key] = st
	}

	if st.pendingValid {
		st.pendingFrom = min(st.pendingFrom, gap.From)
		st.pendingTo = max(st.pendingTo, gap.To)
	} else {
		st.pendingFrom, st.pendingTo = gap.From, gap.To
		st.pendingValid = true
	}

	if st.inFlight {
		r.mu.Unlock()
		return
	}
	st.inFlight = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.repairLoop(ctx, key, gap.Symbol, gap.Interval)
}

// Wait blocks until all in-flight repairs finish. Used on shutdown and in
// tests.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Unresolved returns the gaps that survived repair, for operator surfaces.
func (r *Reconciler) Unresolved() []*model.UnresolvedGapError {
	r.unresolvedMu.Lock()
	defer r.unresolvedMu.Unlock()

	out := make([]*model.UnresolvedGapError, len(r.unresolved))
	copy(out, r.unresolved)
	return out
}

func (r *Reconciler) repairLoop(ctx context.Context, key, symbol string, interval model.Interval) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		st := r.repairs[key]
		if !st.pendingValid || ctx.Err() != nil {
			st.inFlight = false
			r.mu.Unlock()
			return
		}
		from, to := st.pendingFrom, st.pendingTo
		st.pendingValid = false
		r.mu.Unlock()

		if err := r.repair(ctx, symbol, interval, from, to); err != nil {
			r.logger.Errorf("%s", err)
			if gapErr, ok := err.(*model.UnresolvedGapError); ok {
				r.unresolvedMu.Lock()
				r.unresolved = append(r.unresolved, gapErr)
				r.unresolvedMu.Unlock()
			}
		}
	}
}

// repair backfills exactly the suspected window and re-verifies
// contiguity by scanning it; one retry, then the gap is surfaced.
func (r *Reconciler) repair(ctx context.Context, symbol string, interval model.Interval, from, to int64) error {
	step := interval.StepMs()

	// Clamp to closed buckets: the in-progress bucket belongs to the
	// streaming ingestor and history would not return it as final.
	g0 := interval.Truncate(from)
	g1 := min(interval.Truncate(to), interval.Truncate(time.Now().UnixMilli()))
	if g0 >= g1 {
		return nil
	}

	r.logger.Infof("repairing %s %s gap [%d, %d)", symbol, interval, g0, g1)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := r.backfiller.Backfill(ctx, symbol, interval, g0, g1); err != nil {
			lastErr = err
			continue
		}
		if err := r.verifyContiguous(ctx, symbol, interval, g0, g1, step); err != nil {
			lastErr = err
			continue
		}
		r.logger.Infof("repaired %s %s gap [%d, %d)", symbol, interval, g0, g1)
		return nil
	}

	return &model.UnresolvedGapError{Symbol: symbol, Interval: interval, From: g0, To: g1, Err: lastErr}
}

func (r *Reconciler) verifyContiguous(ctx context.Context, symbol string, interval model.Interval, g0, g1, step int64) error {
	candles, err := r.store.RangeScan(ctx, symbol, interval, g0, g1)
	if err != nil {
		return fmt.Errorf("%w: can't verify repaired range", err)
	}

	expected := g0
	for _, c := range candles {
		if c.OpenTime != expected {
			return fmt.Errorf("missing bucket at %d", expected)
		}
		if !c.IsFinal {
			return fmt.Errorf("bucket at %d is not final", c.OpenTime)
		}
		expected += step
	}
	if expected != g1 {
		return fmt.Errorf("missing buckets from %d", expected)
	}
	return nil
}
