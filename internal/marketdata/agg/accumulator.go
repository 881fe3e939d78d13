// Package agg turns ordered ticks into closed, validated bars.
//
// An Accumulator owns exactly one symbol and one timeframe. It is a plain
// synchronous state object: no locks, no I/O, no timers. A bar closes only
// when a tick at or past its close boundary arrives; a quiet market produces
// no bars at all.
package agg

import (
	"fmt"
	"math"
	"time"

	"barengine/internal/marketdata/boundary"
	"barengine/internal/marketdata/validate"
	"barengine/internal/markethours"
	"barengine/internal/model"
)

// RejectReason names why a tick was not admitted.
type RejectReason string

const (
	NaiveTimestamp RejectReason = "NAIVE_TIMESTAMP"
	OutOfOrder     RejectReason = "OUT_OF_ORDER"
	OutsideSession RejectReason = "OUTSIDE_SESSION"
	InvalidTick    RejectReason = "INVALID_TICK"
)

// state is either empty{} or *building.
type state interface{ isState() }

type empty struct{}

func (empty) isState() {}

// building is the mutable in-progress bar. It never leaves the accumulator.
type building struct {
	openTime  time.Time
	closeTime time.Time
	open      float64
	high      float64
	low       float64
	close     float64
	volume    int64
	trades    int64
}

func (*building) isState() {}

func (b *building) update(price float64, qty int64) {
	if price > b.high {
		b.high = price
	}
	if price < b.low {
		b.low = price
	}
	b.close = price
	b.volume += qty
	b.trades++
}

// Config describes one accumulator.
type Config struct {
	Symbol    string
	Exchange  string
	Timeframe model.Timeframe
	// Mode tags produced bars. Defaults to live.
	Mode model.Mode
	// Now is the validator's wall clock. Defaults to time.Now.
	Now func() time.Time
}

// Accumulator builds bars for one symbol and timeframe. It must be driven by
// a single caller at a time.
type Accumulator struct {
	symbol   string
	exchange string
	tf       model.Timeframe
	gran     int
	dur      time.Duration
	mode     model.Mode
	now      func() time.Time

	state     state
	watermark time.Time
	seen      bool

	// Observer hooks (optional, set externally)
	OnReject func(tick model.Tick, reason RejectReason)
	OnClose  func(bar model.Bar, res validate.Result)
}

// NewAccumulator returns an empty accumulator. The timeframe must align on
// minute boundaries and be accepted by the closing validator.
func NewAccumulator(cfg Config) (*Accumulator, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("agg: symbol is required")
	}
	dur, ok := cfg.Timeframe.Duration()
	if !ok {
		return nil, fmt.Errorf("agg: unknown timeframe %q", cfg.Timeframe)
	}
	gran := cfg.Timeframe.Seconds()
	if err := boundary.Check(gran); err != nil {
		return nil, fmt.Errorf("agg: timeframe %s: %w", cfg.Timeframe, err)
	}
	if !validate.Allowed(cfg.Timeframe) {
		return nil, fmt.Errorf("agg: timeframe %s is never accepted by the validator", cfg.Timeframe)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = model.ModeLive
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		symbol:   cfg.Symbol,
		exchange: cfg.Exchange,
		tf:       cfg.Timeframe,
		gran:     gran,
		dur:      dur,
		mode:     mode,
		now:      now,
		state:    empty{},
	}, nil
}

// Add offers one tick. It returns the bar that the tick closed, if that bar
// passed validation. Rejected ticks and dropped bars both return false.
func (a *Accumulator) Add(t model.Tick) (model.Bar, bool) {
	if !t.HasZone() {
		a.reject(t, NaiveTimestamp)
		return model.Bar{}, false
	}
	ts := t.TickTS.In(markethours.IST)

	if a.seen && ts.Before(a.watermark) {
		a.reject(t, OutOfOrder)
		return model.Bar{}, false
	}
	a.watermark, a.seen = ts, true

	if !markethours.InSession(ts) {
		a.reject(t, OutsideSession)
		return model.Bar{}, false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 || t.Qty < 0 {
		a.reject(t, InvalidTick)
		return model.Bar{}, false
	}

	switch cur := a.state.(type) {
	case *building:
		if ts.Before(cur.closeTime) {
			cur.update(t.Price, t.Qty)
			return model.Bar{}, false
		}
		bar := a.freeze(cur)
		a.start(ts, t)
		res := validate.Validate(bar, a.now())
		if a.OnClose != nil {
			a.OnClose(bar, res)
		}
		if !res.Valid {
			return model.Bar{}, false
		}
		return bar, true
	default:
		a.start(ts, t)
		return model.Bar{}, false
	}
}

func (a *Accumulator) start(ts time.Time, t model.Tick) {
	open := boundary.Start(ts, a.gran)
	a.state = &building{
		openTime:  open,
		closeTime: open.Add(a.dur),
		open:      t.Price,
		high:      t.Price,
		low:       t.Price,
		close:     t.Price,
		volume:    t.Qty,
		trades:    1,
	}
}

func (a *Accumulator) freeze(b *building) model.Bar {
	return model.NewBar(model.BarFields{
		Symbol:    a.symbol,
		Exchange:  a.exchange,
		Timeframe: a.tf,
		OpenTime:  b.openTime,
		CloseTime: b.closeTime,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    float64(b.volume),
		Trades:    b.trades,
		Mode:      a.mode,
	})
}

func (a *Accumulator) reject(t model.Tick, r RejectReason) {
	if a.OnReject != nil {
		a.OnReject(t, r)
	}
}

// Building reports whether a bar is in progress.
func (a *Accumulator) Building() bool {
	_, ok := a.state.(*building)
	return ok
}

// Current returns a copy of the in-progress bar. The copy is not closed.
func (a *Accumulator) Current() (model.BarFields, bool) {
	cur, ok := a.state.(*building)
	if !ok {
		return model.BarFields{}, false
	}
	return a.freeze(cur).Fields(), true
}

// Watermark returns the latest tick time that passed the ordering check.
func (a *Accumulator) Watermark() (time.Time, bool) {
	return a.watermark, a.seen
}

// Symbol returns the accumulator's symbol.
func (a *Accumulator) Symbol() string { return a.symbol }

// Timeframe returns the accumulator's timeframe.
func (a *Accumulator) Timeframe() model.Timeframe { return a.tf }
