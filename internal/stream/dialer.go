package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantora/candle-ingest/internal/model"
)

// Conn is the subset of *websocket.Conn the ingestor uses; tests inject
// scripted fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens one kline subscription.
type Dialer interface {
	Dial(ctx context.Context, symbol string, interval model.Interval) (Conn, error)
}

// TerminalError is an auth/protocol rejection that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal subscription error: %s", e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// WSDialer connects to the exchange kline stream.
type WSDialer struct {
	BaseURL string
}

func (d *WSDialer) Dial(ctx context.Context, symbol string, interval model.Interval) (Conn, error) {
	streamURL := d.BaseURL + "/ws/" + strings.ToLower(symbol) + "@kline_" + interval.String()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && isTerminalStatus(resp.StatusCode) {
			return nil, &TerminalError{Err: fmt.Errorf("%w: status %s", err, resp.Status)}
		}
		return nil, fmt.Errorf("%w: can't dial %s", err, streamURL)
	}
	return conn, nil
}

func isTerminalStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
		return true
	}
	return false
}
