// Package stream maintains one live kline subscription per series and
// applies every bucket snapshot to the store. Reconnects are retried
// forever; missed buckets are reported as GapSuspected events because the
// feed has no replay.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/store"
)

type State int32

const (
	StateDisconnected State = iota
	StateLive
)

func (s State) String() string {
	if s == StateLive {
		return "live"
	}
	return "disconnected"
}

type Config struct {
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

func (c *Config) Setup() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
}

// persistError marks a store failure that must surface instead of being
// swallowed by the reconnect loop.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Ingestor runs the per-series subscription state machine.
type Ingestor struct {
	dialer Dialer
	store  store.Store
	logger logger.Logger

	symbol   string
	interval model.Interval
	cfg      Config

	gaps chan<- model.GapSuspected

	state          atomic.Int32
	lastSeenOpen   atomic.Int64
	disconnectedAt atomic.Int64
}

func NewIngestor(dialer Dialer, st store.Store, symbol string, interval model.Interval, gaps chan<- model.GapSuspected, cfg Config, logger logger.Logger) *Ingestor {
	cfg.Setup()
	return &Ingestor{
		dialer:   dialer,
		store:    st,
		logger:   logger.With("symbol", symbol, "interval", interval.String()),
		symbol:   symbol,
		interval: interval,
		cfg:      cfg,
		gaps:     gaps,
	}
}

func (in *Ingestor) State() State {
	return State(in.state.Load())
}

// LastSeenOpenTime is the open time of the most recent snapshot applied.
func (in *Ingestor) LastSeenOpenTime() int64 {
	return in.lastSeenOpen.Load()
}

// DisconnectedAt is the epoch-ms timestamp of the last disconnect, zero if
// the subscription has never dropped.
func (in *Ingestor) DisconnectedAt() int64 {
	return in.disconnectedAt.Load()
}

// Run keeps the subscription alive until ctx is cancelled. It returns nil
// on shutdown, a *TerminalError on an auth/protocol rejection, or the
// store error if persistence fails.
func (in *Ingestor) Run(ctx context.Context) error {
	backoff := in.cfg.BaseBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := in.dialer.Dial(ctx, in.symbol, in.interval)
		if err != nil {
			var terminal *TerminalError
			if errors.As(err, &terminal) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			in.logger.Warnf("subscribe failed: %s, retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, in.cfg.MaxBackoff)
			continue
		}
		backoff = in.cfg.BaseBackoff

		in.state.Store(int32(StateLive))
		in.logger.Infof("subscribed to kline stream")

		// The feed does not replay: anything after the last seen bucket
		// may be missing, hand it to the reconciler.
		if lastSeen := in.lastSeenOpen.Load(); lastSeen > 0 {
			gap := model.GapSuspected{
				Symbol:   in.symbol,
				Interval: in.interval,
				From:     lastSeen + in.interval.StepMs(),
				To:       time.Now().UnixMilli(),
			}
			select {
			case in.gaps <- gap:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}

		err = in.readLoop(ctx, conn)
		conn.Close()

		in.state.Store(int32(StateDisconnected))
		in.disconnectedAt.Store(time.Now().UnixMilli())

		if ctx.Err() != nil {
			return nil
		}

		var persist *persistError
		if errors.As(err, &persist) {
			return fmt.Errorf("%w: stream persistence failed", persist.err)
		}

		in.logger.Warnf("stream disconnected after open_time=%d: %s", in.lastSeenOpen.Load(), err)
	}
}

func (in *Ingestor) readLoop(ctx context.Context, conn Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)

	// Keepalive pinger; also unblocks the reader on shutdown.
	go func() {
		ticker := time.NewTicker(in.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		snapshot, err := parseKlineMsg(in.symbol, in.interval, msg)
		if err != nil {
			in.logger.Warnf("can't parse stream message: %s", err)
			continue
		}

		if err := in.apply(ctx, snapshot); err != nil {
			return err
		}
	}
}

// apply upserts one bucket snapshot. A rejected regression of a final
// bucket is logged and dropped; store failures surface.
func (in *Ingestor) apply(ctx context.Context, c model.Candle) error {
	if err := in.store.Upsert(ctx, c); err != nil {
		var stale *model.StaleUpdateError
		if errors.As(err, &stale) {
			in.logger.Warnf("dropping stale stream update: %s", stale)
			return nil
		}
		return &persistError{err: err}
	}

	in.lastSeenOpen.Store(c.OpenTime)

	if c.IsFinal {
		in.logger.Debugf("bucket %d closed at %s", c.OpenTime, c.Close)
	}
	return nil
}

// klineMsg is the kline stream envelope.
type klineMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsFinal   bool   `json:"x"`
	} `json:"k"`
}

func parseKlineMsg(symbol string, interval model.Interval, msg []byte) (model.Candle, error) {
	var m klineMsg
	if err := sonic.Unmarshal(msg, &m); err != nil {
		return model.Candle{}, fmt.Errorf("%w: can't decode kline message", err)
	}
	if m.EventType != "kline" {
		return model.Candle{}, fmt.Errorf("unexpected event type %q", m.EventType)
	}

	k := m.Kline
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var parsed [5]decimal.Decimal
	for i, s := range fields {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("%w: kline field %d", err, i)
		}
		parsed[i] = d
	}

	return model.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: k.OpenTime,
		Open:     parsed[0],
		High:     parsed[1],
		Low:      parsed[2],
		Close:    parsed[3],
		Volume:   parsed[4],
		IsFinal:  k.IsFinal,
	}, nil
}
