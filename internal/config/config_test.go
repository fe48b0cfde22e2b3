package config

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestValidateAndSetupDefaults(t *testing.T) {
	cfg := IngestorConfig{
		Pairs: []Pair{{Symbol: "BTCUSDC", Interval: "1m"}},
	}

	if err := cfg.ValidateAndSetup(); err != nil {
		t.Fatalf("setup: %s", err)
	}

	if cfg.Provider.RestURL == "" || cfg.Provider.WSURL == "" {
		t.Errorf("provider defaults not filled: %+v", cfg.Provider)
	}
	if cfg.Backfill.MaxRowsPerRequest != 1500 || cfg.Backfill.MaxSpanDays != 200 {
		t.Errorf("backfill defaults not filled: %+v", cfg.Backfill)
	}
	if cfg.HistoryDays != 30 || cfg.HTTPPort != "8080" {
		t.Errorf("defaults not filled: history_days=%d http_port=%s", cfg.HistoryDays, cfg.HTTPPort)
	}
}

func TestValidateRejectsBadPairs(t *testing.T) {
	for name, cfg := range map[string]IngestorConfig{
		"no pairs":     {},
		"empty symbol": {Pairs: []Pair{{Symbol: "", Interval: "1m"}}},
		"bad interval": {Pairs: []Pair{{Symbol: "BTCUSDC", Interval: "7m"}}},
	} {
		if err := cfg.ValidateAndSetup(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestUnmarshalIngestorConfig(t *testing.T) {
	input := strings.TrimSpace(`
pairs:
  - symbol: BTCUSDC
    interval: 1h
provider:
  rest_url: https://api.example.com
backfill:
  max_rows_per_request: 500
history_days: 7
`)

	var cfg IngestorConfig
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if err := cfg.ValidateAndSetup(); err != nil {
		t.Fatalf("setup: %s", err)
	}

	if cfg.Provider.RestURL != "https://api.example.com" {
		t.Errorf("rest_url: %s", cfg.Provider.RestURL)
	}
	if cfg.Backfill.MaxRowsPerRequest != 500 {
		t.Errorf("max_rows_per_request: %d", cfg.Backfill.MaxRowsPerRequest)
	}
	if cfg.HistoryDays != 7 {
		t.Errorf("history_days: %d", cfg.HistoryDays)
	}
}
