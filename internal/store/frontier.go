package store

import "github.com/quantora/candle-ingest/internal/model"

// frontierTracker maintains one series' watermark. The final watermark is
// the end of the run of final buckets anchored at EarliestOpenTime; finals
// beyond a hole wait in the set until the run reaches them. Lowering the
// series start re-anchors the run, so a final landing below the frontier
// never claims contiguity across unverified buckets. Callers serialize
// access per series key.
type frontierTracker struct {
	step     int64
	frontier model.Frontier
	seeded   bool
	finals   map[int64]struct{}
}

func newFrontierTracker(step int64) *frontierTracker {
	return &frontierTracker{
		step:   step,
		finals: make(map[int64]struct{}),
	}
}

// observe is called with every accepted upsert.
func (t *frontierTracker) observe(c model.Candle) {
	if !t.seeded || c.OpenTime < t.frontier.EarliestOpenTime {
		t.frontier.EarliestOpenTime = c.OpenTime
		t.seeded = true
		// the anchor moved: the old run is no longer known contiguous
		// from the series start and must be re-verified
		t.frontier.LastFinalOpenTime = 0
	}

	if c.IsFinal {
		t.finals[c.OpenTime] = struct{}{}
	}
	t.advance()
}

// advance extends the verified run from the anchor through every stored
// final, stopping at the first missing bucket.
func (t *frontierTracker) advance() {
	if t.frontier.LastFinalOpenTime == 0 {
		if _, ok := t.finals[t.frontier.EarliestOpenTime]; !ok {
			return
		}
		t.frontier.LastFinalOpenTime = t.frontier.EarliestOpenTime
	}
	for {
		next := t.frontier.LastFinalOpenTime + t.step
		if _, ok := t.finals[next]; !ok {
			return
		}
		t.frontier.LastFinalOpenTime = next
	}
}

func (t *frontierTracker) snapshot() model.Frontier {
	return t.frontier
}
