// Package boundary aligns instants to the start of their bar period.
//
// Alignment truncates the minute-of-hour to a multiple of the granularity and
// zeroes everything below it. That rule is only correct for granularities that
// are a whole number of minutes dividing 60 evenly (1, 2, 3, 4, 5, 6, 10, 12,
// 15, 20, 30). Hour and day bars need a different rule and are rejected here.
package boundary

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedGranularity is returned by Check for granularities the
// minute-truncation rule cannot align.
var ErrUnsupportedGranularity = errors.New("boundary: granularity must be whole minutes dividing 60")

// Supported reports whether granularitySec can be aligned by Start.
func Supported(granularitySec int) bool {
	if granularitySec <= 0 || granularitySec%60 != 0 {
		return false
	}
	m := granularitySec / 60
	return m < 60 && 60%m == 0
}

// Check returns a wrapped ErrUnsupportedGranularity when Supported is false.
func Check(granularitySec int) error {
	if !Supported(granularitySec) {
		return fmt.Errorf("%w: got %ds", ErrUnsupportedGranularity, granularitySec)
	}
	return nil
}

// Start returns the start of the period containing t, in t's location.
// It panics if granularitySec is not Supported.
func Start(t time.Time, granularitySec int) time.Time {
	if !Supported(granularitySec) {
		panic(fmt.Sprintf("boundary: unsupported granularity %ds", granularitySec))
	}
	step := granularitySec / 60
	minute := t.Minute() - t.Minute()%step
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

// End returns the exclusive end of the period containing t.
func End(t time.Time, granularitySec int) time.Time {
	return Start(t, granularitySec).Add(time.Duration(granularitySec) * time.Second)
}
