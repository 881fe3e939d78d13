// Package validate is the closing gate every bar passes before it leaves the
// engine. Checks run in a fixed order and stop at the first failure, which is
// reported as a named Reason.
package validate

import (
	"math"
	"time"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

// Reason names why a bar was rejected. The empty Reason means valid.
type Reason string

const (
	CandleNotClosed      Reason = "CANDLE_NOT_CLOSED"
	UnsupportedTimeframe Reason = "UNSUPPORTED_TIMEFRAME"
	TimestampNoTimezone  Reason = "TIMESTAMP_NO_TIMEZONE"
	TimestampCorrupt     Reason = "TIMESTAMP_CORRUPT"
	TimestampInFuture    Reason = "TIMESTAMP_IN_FUTURE"
	InvalidTimeRange     Reason = "INVALID_TIME_RANGE"
	TimeframeMismatch    Reason = "TIMEFRAME_MISMATCH"
	MarketHoursViolation Reason = "MARKET_HOURS_VIOLATION"
	PriceNotNumeric      Reason = "PRICE_NOT_NUMERIC"
	NonPositivePrice     Reason = "NON_POSITIVE_PRICE"
	InvalidOHLC          Reason = "INVALID_OHLC"
	VolumeNotNumeric     Reason = "VOLUME_NOT_NUMERIC"
	VolumeNotInteger     Reason = "VOLUME_NOT_INTEGER"
	VolumeZero           Reason = "VOLUME_ZERO"
	TradesNegative       Reason = "NO_OF_TRADES_NEGATIVE"
	TradesZero           Reason = "NO_OF_TRADES_ZERO"
)

const (
	// FutureTolerance is how far open_time may run ahead of the clock.
	FutureTolerance = 60 * time.Second

	minVolume = 1
	minTrades = 1
)

// EpochCutoff is the earliest instant a bar timestamp may carry.
var EpochCutoff = time.Date(1980, 1, 1, 0, 0, 0, 0, markethours.IST)

// allowed maps each accepted timeframe to its exact expected duration.
var allowed = map[model.Timeframe]time.Duration{
	model.OneMinute:     time.Minute,
	model.ThreeMinute:   3 * time.Minute,
	model.FiveMinute:    5 * time.Minute,
	model.TenMinute:     10 * time.Minute,
	model.FifteenMinute: 15 * time.Minute,
}

// Allowed reports whether tf can pass validation.
func Allowed(tf model.Timeframe) bool {
	_, ok := allowed[tf]
	return ok
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Reason Reason
}

func fail(r Reason) Result { return Result{Reason: r} }

var pass = Result{Valid: true}

// Validate runs the closing checks against b using now as the wall clock.
// It only reads its input and is safe for concurrent use.
func Validate(b model.Bar, now time.Time) Result {
	if !b.IsClosed() {
		return fail(CandleNotClosed)
	}

	expected, found := allowed[b.Timeframe()]
	if !found {
		return fail(UnsupportedTimeframe)
	}

	openT, closeT := b.OpenTime(), b.CloseTime()
	if openT.IsZero() || closeT.IsZero() {
		return fail(TimestampNoTimezone)
	}
	if openT.Before(EpochCutoff) || closeT.Before(EpochCutoff) {
		return fail(TimestampCorrupt)
	}
	if openT.After(now.Add(FutureTolerance)) {
		return fail(TimestampInFuture)
	}

	if !openT.Before(closeT) {
		return fail(InvalidTimeRange)
	}
	if closeT.Sub(openT) != expected {
		return fail(TimeframeMismatch)
	}

	// A bar may open before the session as long as it closes inside it.
	openTOD, closeTOD := markethours.TimeOfDay(openT), markethours.TimeOfDay(closeT)
	if closeTOD > markethours.SessionEnd {
		return fail(MarketHoursViolation)
	}
	if openTOD < markethours.SessionStart && closeTOD <= markethours.SessionStart {
		return fail(MarketHoursViolation)
	}

	if r, bad := checkPrices(b); bad {
		return fail(r)
	}

	if r, bad := checkActivity(b); bad {
		return fail(r)
	}
	return pass
}

func checkPrices(b model.Bar) (Reason, bool) {
	for _, p := range [...]float64{b.Open(), b.High(), b.Low(), b.Close()} {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return PriceNotNumeric, true
		}
		if p <= 0 {
			return NonPositivePrice, true
		}
	}

	h, l := b.High(), b.Low()
	switch {
	case h < l, h < b.Open(), h < b.Close(), l > b.Open(), l > b.Close():
		return InvalidOHLC, true
	}
	return "", false
}

func checkActivity(b model.Bar) (Reason, bool) {
	v := b.Volume()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return VolumeNotNumeric, true
	}
	if v != math.Trunc(v) {
		return VolumeNotInteger, true
	}
	if v < minVolume {
		return VolumeZero, true
	}

	if b.Trades() < 0 {
		return TradesNegative, true
	}
	if b.Mode() == model.ModeLive && b.Trades() < minTrades {
		return TradesZero, true
	}
	return "", false
}
