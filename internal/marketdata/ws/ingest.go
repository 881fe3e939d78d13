// Package ws adapts the SmartAPI V2 binary feed into model.Tick values.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"barengine/internal/instruments"
	"barengine/internal/logger"
	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/pkg/smartconnect"
)

// Drop events for feed frames that never become ticks.
const (
	DropMissingField  = "TICK_DROPPED_MISSING_FIELD"
	DropUnknownSymbol = "TICK_DROPPED_UNKNOWN_SYMBOL"
)

// IngestConfig holds configuration for the WS ingest.
type IngestConfig struct {
	Feed smartconnect.FeedConfig

	// Instruments to subscribe. All must be known to the registry.
	Instruments []model.Instrument

	// SubscribeMode defaults to QUOTE, the cheapest mode that carries the
	// last traded quantity.
	SubscribeMode int
}

// Ingest connects to Angel One WebSocket and pushes normalized ticks into tickCh.
type Ingest struct {
	cfg     IngestConfig
	feed    *smartconnect.FeedV2
	reg     *instruments.Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	// Optional hooks
	OnReconnect func()
	OnConnected func(up bool)
}

// New creates a new Ingest instance. l and m may be nil.
func New(cfg IngestConfig, reg *instruments.Registry, l *slog.Logger, m *metrics.Metrics) (*Ingest, error) {
	if cfg.SubscribeMode == 0 {
		cfg.SubscribeMode = smartconnect.ModeQuote
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("ws ingest: no instruments to subscribe")
	}
	if reg == nil {
		return nil, fmt.Errorf("ws ingest: nil instrument registry")
	}
	feed, err := smartconnect.NewFeedV2(cfg.Feed)
	if err != nil {
		return nil, fmt.Errorf("ws ingest: create feed: %w", err)
	}
	if l == nil {
		l = slog.Default()
	}
	return &Ingest{cfg: cfg, feed: feed, reg: reg, log: l, metrics: m}, nil
}

// tokenList groups the configured instruments by feed exchange code.
func (ing *Ingest) tokenList() []smartconnect.TokenListEntry {
	byEx := map[int][]string{}
	var order []int
	for _, in := range ing.cfg.Instruments {
		ex := exchangeCode(in.Exchange)
		if _, ok := byEx[ex]; !ok {
			order = append(order, ex)
		}
		byEx[ex] = append(byEx[ex], in.Token)
	}
	out := make([]smartconnect.TokenListEntry, 0, len(order))
	for _, ex := range order {
		out = append(out, smartconnect.TokenListEntry{ExchangeType: ex, Tokens: byEx[ex]})
	}
	return out
}

func exchangeCode(name string) int {
	for code, n := range smartconnect.ExchangeNames {
		if n == name {
			return code
		}
	}
	return smartconnect.NSE_CM
}

// Start connects to the WebSocket and begins streaming ticks into tickCh.
// Blocks until ctx is cancelled or the feed gives up reconnecting.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	if err := ing.feed.Subscribe("market_feed", ing.cfg.SubscribeMode, ing.tokenList()); err != nil {
		return fmt.Errorf("ws ingest: subscribe: %w", err)
	}

	ing.feed.OnOpen = func() {
		logger.Event(ctx, ing.log, "WEBSOCKET_CONNECTED", logger.LayerIngestion, "SYSTEM", "",
			"instruments", len(ing.cfg.Instruments), "mode", ing.cfg.SubscribeMode)
		if ing.OnConnected != nil {
			ing.OnConnected(true)
		}
	}

	ing.feed.OnClose = func(err error) {
		attrs := []any{}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		logger.Event(ctx, ing.log, "WEBSOCKET_DISCONNECTED", logger.LayerIngestion, "SYSTEM", "", attrs...)
		if ing.OnConnected != nil {
			ing.OnConnected(false)
		}
		if ing.metrics != nil {
			ing.metrics.WSReconnects.Inc()
		}
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
	}

	ing.feed.OnControl = func(msg string) {
		ing.log.Warn("ws: control message", "msg", msg)
	}

	ing.feed.OnPacket = func(p smartconnect.Packet) {
		tick, drop := ing.toTick(p)
		if drop != "" {
			logger.Event(ctx, ing.log, drop, logger.LayerIngestion, "SYSTEM", "",
				"token", p.Token, "exchange_type", p.ExchangeType)
			return
		}
		select {
		case tickCh <- tick:
		default:
			ing.log.Warn("ws: tickCh full, dropping tick", "symbol", tick.Symbol)
		}
	}

	if err := ing.feed.Run(ctx); err != nil {
		return fmt.Errorf("ws ingest: %w", err)
	}
	return nil
}

// toTick normalizes one feed frame. A non-empty drop names why the frame
// was discarded. Prices arrive in paise; a missing quantity becomes 1.
func (ing *Ingest) toTick(p smartconnect.Packet) (model.Tick, string) {
	if p.Token == "" || p.LTP == 0 || p.ExchangeTS == 0 {
		return model.Tick{}, DropMissingField
	}
	sym, ok := ing.reg.Symbol(p.Token)
	if !ok {
		return model.Tick{}, DropUnknownSymbol
	}
	exchange := smartconnect.ExchangeNames[p.ExchangeType]
	if exchange == "" {
		exchange = fmt.Sprintf("EX_%d", p.ExchangeType)
	}
	qty := p.LTQ
	if !p.HasLTQ || qty == 0 {
		qty = model.DefaultQty
	}
	return model.Tick{
		Symbol:   sym,
		Token:    p.Token,
		Exchange: exchange,
		Price:    smartconnect.PaiseToRupees(p.LTP),
		Qty:      qty,
		TickTS:   time.UnixMilli(p.ExchangeTS).In(markethours.IST),
	}, ""
}

// LastPong returns when the broker last answered a heartbeat, or the zero
// time before the first pong.
func (ing *Ingest) LastPong() time.Time {
	return ing.feed.LastPong()
}
