// Package closedetector decides when the live feed can be released after the
// session ends. The last bars of the day close only when a tick stamped
// exactly at the session end arrives, so the feed is kept open past 15:30
// until that tick is seen, the price has gone quiet, or a hard deadline passes.
package closedetector

import (
	"context"
	"log/slog"
	"time"

	"barengine/internal/model"
)

// Reason names why the detector released the session.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonClosingTick Reason = "closing_tick"
	ReasonStable      Reason = "price_stable"
	ReasonDeadline    Reason = "hard_deadline"
)

// Detector observes ticks around the session end. It is not safe for
// concurrent use.
type Detector struct {
	lastPrice   float64
	stableSince time.Time
	closeTime   time.Time // 15:30 IST
	sawClosing  bool

	// StableFor is how long the price must remain constant to be considered
	// the closing price. Default: 30 seconds.
	StableFor time.Duration

	// MaxGrace is the hard deadline after closeTime. If price hasn't stabilized
	// by closeTime + MaxGrace, disconnect anyway. Default: 5 minutes.
	MaxGrace time.Duration
}

// New creates a Detector for the given close time.
func New(closeTime time.Time) *Detector {
	return &Detector{
		closeTime: closeTime,
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
	}
}

// IsPostClose returns true if now is after the market close time.
func (d *Detector) IsPostClose(now time.Time) bool {
	return now.After(d.closeTime)
}

// Deadline is the latest moment the session is held open.
func (d *Detector) Deadline() time.Time {
	return d.closeTime.Add(d.MaxGrace)
}

// Observe records a tick seen at wall time now and reports whether the
// session can be released.
func (d *Detector) Observe(t model.Tick, now time.Time) Reason {
	if t.TickTS.Equal(d.closeTime) {
		d.sawClosing = true
	}

	// Hard deadline: always disconnect after MaxGrace
	if now.After(d.Deadline()) {
		slog.Info("closedetector: hard deadline reached", "grace", d.MaxGrace)
		return ReasonDeadline
	}

	// Only start observing after close time
	if !d.IsPostClose(now) {
		d.lastPrice = t.Price
		return ReasonNone
	}

	if d.sawClosing {
		slog.Info("closedetector: closing tick seen", "symbol", t.Symbol)
		return ReasonClosingTick
	}

	// Price changed, reset stability timer
	if t.Price != d.lastPrice {
		d.lastPrice = t.Price
		d.stableSince = now
		return ReasonNone
	}

	if d.stableSince.IsZero() {
		d.stableSince = now
		return ReasonNone
	}

	if now.Sub(d.stableSince) >= d.StableFor {
		slog.Info("closedetector: price stable after close", "price", d.lastPrice, "stable_for", d.StableFor)
		return ReasonStable
	}
	return ReasonNone
}

// ClosingPrice returns the last observed price.
func (d *Detector) ClosingPrice() float64 {
	return d.lastPrice
}

// Forward copies ticks from in to out, observing each one, until the session
// is released, in is closed or ctx is cancelled. It returns the release
// reason, or ReasonNone when it stopped for another cause. now is the wall
// clock; a nil now means time.Now.
func (d *Detector) Forward(ctx context.Context, in <-chan model.Tick, out chan<- model.Tick, now func() time.Time) Reason {
	if now == nil {
		now = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return ReasonNone
		case t, ok := <-in:
			if !ok {
				return ReasonNone
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return ReasonNone
			}
			if r := d.Observe(t, now()); r != ReasonNone {
				return r
			}
		}
	}
}
