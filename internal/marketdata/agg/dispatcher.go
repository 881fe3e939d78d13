package agg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"barengine/internal/marketdata/validate"
	"barengine/internal/model"
)

type accKey struct {
	symbol string
	tf     model.Timeframe
}

// Dispatcher owns the symbol -> accumulator map for one run. It feeds every
// tick to one accumulator per configured timeframe, creating accumulators on
// first sight of a symbol. A Dispatcher is driven by a single goroutine.
type Dispatcher struct {
	tfs  []model.Timeframe
	mode model.Mode
	now  func() time.Time
	accs map[accKey]*Accumulator

	// Backpressure makes Run wait for room in barCh instead of dropping a
	// bar. Offline replays set it; the live feed must never stall.
	Backpressure bool

	// Metrics hooks (optional, set externally before Run)
	OnTick       func(tick model.Tick)
	OnReject     func(tick model.Tick, tf model.Timeframe, reason RejectReason)
	OnClose      func(bar model.Bar, res validate.Result)
	OnDroppedBar func(bar model.Bar)
}

// NewDispatcher checks every timeframe up front so Run never fails later.
func NewDispatcher(tfs []model.Timeframe, mode model.Mode, now func() time.Time) (*Dispatcher, error) {
	if len(tfs) == 0 {
		return nil, fmt.Errorf("agg: at least one timeframe is required")
	}
	for _, tf := range tfs {
		if _, err := NewAccumulator(Config{Symbol: "_", Timeframe: tf}); err != nil {
			return nil, err
		}
	}
	return &Dispatcher{
		tfs:  tfs,
		mode: mode,
		now:  now,
		accs: make(map[accKey]*Accumulator),
	}, nil
}

// Dispatch routes one tick and returns the bars it closed, if any.
func (d *Dispatcher) Dispatch(t model.Tick) []model.Bar {
	if d.OnTick != nil {
		d.OnTick(t)
	}
	var out []model.Bar
	for _, tf := range d.tfs {
		if t.Symbol == "" {
			if d.OnReject != nil {
				d.OnReject(t, tf, InvalidTick)
			}
			continue
		}
		acc := d.accumulator(t, tf)
		if bar, ok := acc.Add(t); ok {
			out = append(out, bar)
		}
	}
	return out
}

func (d *Dispatcher) accumulator(t model.Tick, tf model.Timeframe) *Accumulator {
	key := accKey{symbol: t.Symbol, tf: tf}
	if acc, ok := d.accs[key]; ok {
		return acc
	}
	// Timeframes were checked in NewDispatcher and the symbol is non-empty.
	acc, _ := NewAccumulator(Config{
		Symbol:    t.Symbol,
		Exchange:  t.Exchange,
		Timeframe: tf,
		Mode:      d.mode,
		Now:       d.now,
	})
	acc.OnReject = func(tick model.Tick, r RejectReason) {
		if d.OnReject != nil {
			d.OnReject(tick, tf, r)
		}
	}
	acc.OnClose = func(bar model.Bar, res validate.Result) {
		if d.OnClose != nil {
			d.OnClose(bar, res)
		}
	}
	d.accs[key] = acc
	return acc
}

// Len returns the number of live accumulators.
func (d *Dispatcher) Len() int { return len(d.accs) }

// Run consumes ticks from tickCh in a single goroutine and sends every emitted
// bar to barCh. There is no timer: an unfinished bar at shutdown is discarded.
// Blocks until ctx is cancelled or tickCh is closed.
func (d *Dispatcher) Run(ctx context.Context, tickCh <-chan model.Tick, barCh chan<- model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return

		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			for _, bar := range d.Dispatch(tick) {
				d.emit(ctx, bar, barCh)
			}
		}
	}
}

// emit sends a bar to barCh. Non-blocking to avoid stalling tick intake
// unless Backpressure is set, in which case only cancellation drops it.
func (d *Dispatcher) emit(ctx context.Context, bar model.Bar, barCh chan<- model.Bar) {
	if d.Backpressure {
		select {
		case barCh <- bar:
		case <-ctx.Done():
			d.drop(bar, "agg: cancelled, dropping bar")
		}
		return
	}
	select {
	case barCh <- bar:
	default:
		d.drop(bar, "agg: barCh full, dropping bar")
	}
}

func (d *Dispatcher) drop(bar model.Bar, msg string) {
	slog.Warn(msg, "key", bar.Key())
	if d.OnDroppedBar != nil {
		d.OnDroppedBar(bar)
	}
}
