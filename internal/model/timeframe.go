package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies a bar granularity using the SmartAPI interval names.
type Timeframe string

const (
	OneMinute     Timeframe = "ONE_MINUTE"
	ThreeMinute   Timeframe = "THREE_MINUTE"
	FiveMinute    Timeframe = "FIVE_MINUTE"
	TenMinute     Timeframe = "TEN_MINUTE"
	FifteenMinute Timeframe = "FIFTEEN_MINUTE"
	ThirtyMinute  Timeframe = "THIRTY_MINUTE"
	OneHour       Timeframe = "ONE_HOUR"
	OneDay        Timeframe = "ONE_DAY"
)

var timeframeDurations = map[Timeframe]time.Duration{
	OneMinute:     time.Minute,
	ThreeMinute:   3 * time.Minute,
	FiveMinute:    5 * time.Minute,
	TenMinute:     10 * time.Minute,
	FifteenMinute: 15 * time.Minute,
	ThirtyMinute:  30 * time.Minute,
	OneHour:       time.Hour,
	OneDay:        24 * time.Hour,
}

// short aliases accepted from config and text feeds
var timeframeAliases = map[string]Timeframe{
	"1m":  OneMinute,
	"3m":  ThreeMinute,
	"5m":  FiveMinute,
	"10m": TenMinute,
	"15m": FifteenMinute,
	"30m": ThirtyMinute,
	"1h":  OneHour,
	"1d":  OneDay,
}

// ParseTimeframe accepts either an interval name ("FIFTEEN_MINUTE") or a
// short alias ("15m").
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if tf, ok := timeframeAliases[strings.ToLower(s)]; ok {
		return tf, nil
	}
	tf := Timeframe(strings.ToUpper(s))
	if _, ok := timeframeDurations[tf]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the nominal bar duration. ok is false for unknown ids.
func (tf Timeframe) Duration() (time.Duration, bool) {
	d, ok := timeframeDurations[tf]
	return d, ok
}

// Seconds returns the granularity in seconds, or 0 for unknown ids.
func (tf Timeframe) Seconds() int {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0
	}
	return int(d / time.Second)
}

// Short returns the compact form used in storage keys, e.g. "15m".
func (tf Timeframe) Short() string {
	for k, v := range timeframeAliases {
		if v == tf {
			return k
		}
	}
	return string(tf)
}

func (tf Timeframe) String() string { return string(tf) }

// Mode records where a bar came from.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeHistorical Mode = "historical"
)
