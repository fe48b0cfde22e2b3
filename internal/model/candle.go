package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bucket. OpenTime is the primary key within a
// (Symbol, Interval) series. A candle with IsFinal=true is immutable.
type Candle struct {
	Symbol   string          `db:"symbol" json:"symbol"`
	Interval Interval        `db:"interval" json:"interval"`
	OpenTime int64           `db:"open_time" json:"openTime"` // epoch ms
	Open     decimal.Decimal `db:"open" json:"open"`
	High     decimal.Decimal `db:"high" json:"high"`
	Low      decimal.Decimal `db:"low" json:"low"`
	Close    decimal.Decimal `db:"close" json:"close"`
	Volume   decimal.Decimal `db:"volume" json:"volume"`
	IsFinal  bool            `db:"is_final" json:"isFinal"`
}

// CloseTime is the last millisecond covered by the bucket.
func (c Candle) CloseTime() int64 {
	return c.OpenTime + c.Interval.StepMs() - 1
}

func (c Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Equal compares all fields, decimal values by numeric equality.
func (c Candle) Equal(o Candle) bool {
	return c.Symbol == o.Symbol &&
		c.Interval == o.Interval &&
		c.OpenTime == o.OpenTime &&
		c.IsFinal == o.IsFinal &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}

// Frontier is the per-series watermark: LastFinalOpenTime is the highest
// open time that is final and contiguous from EarliestOpenTime.
type Frontier struct {
	EarliestOpenTime  int64 `json:"earliestOpenTime"`
	LastFinalOpenTime int64 `json:"lastFinalOpenTime"`
}

// Empty reports whether the series holds no final candles yet.
func (f Frontier) Empty() bool {
	return f.LastFinalOpenTime == 0
}

// FetchWindow is one paginated history request: open times in [Start, End),
// at most Limit rows. Ephemeral, never persisted.
type FetchWindow struct {
	Start int64
	End   int64
	Limit int
}

// GapSuspected is emitted by the streaming ingestor after a reconnect: the
// feed does not replay, so buckets with open time in [From, To) may be
// missing. Informational, not an error.
type GapSuspected struct {
	Symbol   string
	Interval Interval
	From     int64
	To       int64
}
