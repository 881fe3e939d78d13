package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// BarFields is the plain, copyable description of a bar. It is used to build
// a Bar and by storage adapters to read one back out.
type BarFields struct {
	Symbol    string    `json:"symbol" parquet:"symbol"`
	Exchange  string    `json:"exchange" parquet:"exchange"`
	Timeframe Timeframe `json:"timeframe" parquet:"timeframe"`
	OpenTime  time.Time `json:"open_time" parquet:"open_time"`
	CloseTime time.Time `json:"close_time" parquet:"close_time"`
	Open      float64   `json:"open" parquet:"open"`
	High      float64   `json:"high" parquet:"high"`
	Low       float64   `json:"low" parquet:"low"`
	Close     float64   `json:"close" parquet:"close"`
	Volume    float64   `json:"volume" parquet:"volume"`
	Trades    int64     `json:"trades" parquet:"trades"`
	Mode      Mode      `json:"mode" parquet:"mode"`
}

// Bar is a closed OHLCV bar. Its fields are unexported so a Bar cannot be
// altered after NewBar returns; every change produces a new value.
// The zero Bar is not closed and never passes validation.
type Bar struct {
	f      BarFields
	closed bool
}

// NewBar freezes f into a closed Bar.
func NewBar(f BarFields) Bar {
	return Bar{f: f, closed: true}
}

func (b Bar) Symbol() string {
	return b.f.Symbol
}

func (b Bar) Exchange() string {
	return b.f.Exchange
}

func (b Bar) Timeframe() Timeframe {
	return b.f.Timeframe
}

func (b Bar) OpenTime() time.Time {
	return b.f.OpenTime
}

func (b Bar) CloseTime() time.Time {
	return b.f.CloseTime
}

func (b Bar) Open() float64 {
	return b.f.Open
}

func (b Bar) High() float64 {
	return b.f.High
}

func (b Bar) Low() float64 {
	return b.f.Low
}

func (b Bar) Close() float64 {
	return b.f.Close
}

func (b Bar) Volume() float64 {
	return b.f.Volume
}

func (b Bar) Trades() int64 {
	return b.f.Trades
}

func (b Bar) Mode() Mode {
	return b.f.Mode
}

func (b Bar) IsClosed() bool {
	return b.closed
}

func (b Bar) Duration() time.Duration {
	return b.f.CloseTime.Sub(b.f.OpenTime)
}

// Fields returns a copy of the bar's fields.
func (b Bar) Fields() BarFields {
	return b.f
}

// Key returns the natural key "symbol:timeframe:openUnix" used for
// idempotent persistence.
func (b Bar) Key() string {
	return b.f.Symbol + ":" + string(b.f.Timeframe) + ":" + strconv.FormatInt(b.f.OpenTime.Unix(), 10)
}

// StreamKey returns the Redis stream key: "bar:{tf}:{exchange}:{symbol}".
func (b Bar) StreamKey() string {
	return "bar:" + b.f.Timeframe.Short() + ":" + b.f.Exchange + ":" + b.f.Symbol
}

type barWire struct {
	BarFields
	IsClosed bool `json:"is_closed"`
}

// MarshalJSON encodes the bar with an explicit is_closed flag.
func (b Bar) MarshalJSON() ([]byte, error) {
	return json.Marshal(barWire{BarFields: b.f, IsClosed: b.closed})
}

// UnmarshalJSON decodes the MarshalJSON form. It is meant for reading bars
// back from a store; a bar in the pipeline is never decoded in place.
func (b *Bar) UnmarshalJSON(data []byte) error {
	var w barWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = Bar{f: w.BarFields, closed: w.IsClosed}
	return nil
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b Bar) JSON() []byte {
	data, _ := b.MarshalJSON()
	return data
}
