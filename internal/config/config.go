package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantora/candle-ingest/internal/backfill"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/stream"
)

type Pair struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
}

func (p Pair) ParsedInterval() model.Interval {
	return model.Interval(p.Interval)
}

type ProviderConfig struct {
	RestURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`
}

const (
	_restURLDefault = "https://api.binance.com"
	_wsURLDefault   = "wss://stream.binance.com:9443"

	_historyDaysDefault = 30
	_httpPortDefault    = "8080"
)

type IngestorConfig struct {
	Pairs       []Pair          `yaml:"pairs"`
	Provider    ProviderConfig  `yaml:"provider"`
	Backfill    backfill.Config `yaml:"backfill"`
	Stream      stream.Config   `yaml:"stream"`
	HistoryDays int             `yaml:"history_days"`
	HTTPPort    string          `yaml:"http_port"`
}

func (c *IngestorConfig) ValidateAndSetup() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("empty pairs")
	}
	for _, p := range c.Pairs {
		if p.Symbol == "" {
			return fmt.Errorf("empty symbol in pairs")
		}
		if _, err := model.ParseInterval(p.Interval); err != nil {
			return fmt.Errorf("%w: pair %s", err, p.Symbol)
		}
	}

	if c.Provider.RestURL == "" {
		c.Provider.RestURL = _restURLDefault
	}
	if c.Provider.WSURL == "" {
		c.Provider.WSURL = _wsURLDefault
	}
	if _, err := url.Parse(c.Provider.RestURL); err != nil {
		return fmt.Errorf("%w: invalid rest_url", err)
	}
	if _, err := url.Parse(c.Provider.WSURL); err != nil {
		return fmt.Errorf("%w: invalid ws_url", err)
	}

	c.Backfill.Setup()
	c.Stream.Setup()

	if c.HistoryDays <= 0 {
		c.HistoryDays = _historyDaysDefault
	}
	if c.HTTPPort == "" {
		c.HTTPPort = _httpPortDefault
	}

	return nil
}

func LoadIngestorConfig(filename string) (IngestorConfig, error) {
	var cfg IngestorConfig
	input, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("%w: can't read file", err)
	}

	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}

	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}

	return cfg, nil
}
