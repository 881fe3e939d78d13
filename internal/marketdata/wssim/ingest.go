// Package wssim provides a WebSocket ingest client that connects to a staging
// or test tick server and feeds ticks into the bar pipeline.
//
// The expected JSON message format on the wire is model.Tick's:
//
//	{"symbol":"RELIANCE","token":"2885","exchange":"NSE","price":2900.55,"qty":10,"tick_ts":"2024-06-03T09:15:01+05:30"}
//
// Unlike internal/marketdata/ws it needs no broker session, which makes it
// useful for offline testing and custom feeds.
package wssim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"barengine/internal/instruments"
	"barengine/internal/model"
)

// Config holds configuration for the simulated WS ingest.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest connects to a plain-JSON WebSocket tick server and pushes model.Tick
// values into tickCh. Same external interface as internal/marketdata/ws.Ingest.
type Ingest struct {
	cfg Config
	reg *instruments.Registry
	log *slog.Logger

	// Optional hooks
	OnReconnect func()
	OnConnected func(up bool)
}

// New creates a new Ingest. reg resolves symbols for frames that only carry
// a token and may be nil. Returns an error if the URL is unparseable.
func New(cfg Config, reg *instruments.Registry, l *slog.Logger) (*Ingest, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wssim: unsupported scheme %q", u.Scheme)
	}
	if l == nil {
		l = slog.Default()
	}
	return &Ingest{cfg: cfg, reg: reg, log: l}, nil
}

// Start connects to the custom WebSocket and streams ticks into tickCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := ing.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}

		ing.log.Warn("wssim: disconnected, reconnecting", "error", err, "delay", delay)
		if ing.OnConnected != nil {
			ing.OnConnected(false)
		}
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ing.log.Info("wssim: connected", "url", ing.cfg.URL)
	if ing.OnConnected != nil {
		ing.OnConnected(true)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		tick, err := ing.decode(raw)
		if err != nil {
			ing.log.Warn("wssim: parse error", "error", err, "raw", string(raw))
			continue
		}

		select {
		case tickCh <- tick:
		default:
			ing.log.Warn("wssim: tickCh full, dropping tick", "symbol", tick.Symbol)
		}
	}
}

// decode parses one frame and fills the symbol from the token when absent.
func (ing *Ingest) decode(raw []byte) (model.Tick, error) {
	var tick model.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return model.Tick{}, err
	}
	if tick.Symbol == "" && tick.Token != "" && ing.reg != nil {
		if sym, ok := ing.reg.Symbol(tick.Token); ok {
			tick.Symbol = sym
		}
	}
	if tick.Symbol == "" {
		return model.Tick{}, fmt.Errorf("tick has neither a symbol nor a known token")
	}
	if tick.Exchange == "" {
		tick.Exchange = instruments.Exchange
	}
	return tick, nil
}
