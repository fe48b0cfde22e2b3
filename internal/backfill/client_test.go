package backfill

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantora/candle-ingest/internal/model"
)

func TestParseKlines(t *testing.T) {
	body := []byte(`[
		[1700000000000, "42000.10", "42100.00", "41900.50", "42050.00", "12.345", 1700000059999, "519000.00", 321, "6.1", "256000.0", "0"],
		[1700000060000, "42050.00", "42200.00", "42000.00", "42150.25", "8.000", 1700000119999, "337000.00", 210, "4.0", "168000.0", "0"]
	]`)

	candles, err := parseKlines("BTCUSDC", model.Interval1m, body)
	if err != nil {
		t.Fatalf("parse klines: %s", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}

	first := candles[0]
	if first.OpenTime != 1700000000000 {
		t.Errorf("open time: %d", first.OpenTime)
	}
	if !first.Open.Equal(decimal.RequireFromString("42000.10")) {
		t.Errorf("open price: %s", first.Open)
	}
	if !first.Volume.Equal(decimal.RequireFromString("12.345")) {
		t.Errorf("volume: %s", first.Volume)
	}
	if !first.IsFinal {
		t.Errorf("history candle must be final")
	}
	if first.CloseTime() != 1700000059999 {
		t.Errorf("derived close time: %d", first.CloseTime())
	}
}

func TestParseKlinesMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   `{`,
		"short row":  `[[1700000000000, "1", "2"]]`,
		"bad number": `[["x", "1", "2", "3", "4", "5", 0]]`,
	} {
		if _, err := parseKlines("BTCUSDC", model.Interval1m, []byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
