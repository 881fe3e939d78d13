package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tick represents a single trade observation for one instrument.
// Price is in rupees (the SmartAPI feed sends paise; adapters convert).
type Tick struct {
	Symbol   string    `json:"symbol"`
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Qty      int64     `json:"qty"`
	TickTS   time.Time `json:"tick_ts"`

	// Naive is set by adapters when the source timestamp carried no zone
	// offset. Such ticks are never admitted.
	Naive bool `json:"-"`
}

// DefaultQty is used when the upstream source omits the traded quantity.
const DefaultQty = 1

// HasZone reports whether the tick timestamp resolves to an explicit zone.
func (t *Tick) HasZone() bool {
	return !t.Naive && !t.TickTS.IsZero()
}

// Naive timestamp layouts accepted from text feeds. A timestamp matching one of
// these has no offset and is flagged naive rather than defaulted to a zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTickTime parses a textual tick timestamp. Offsets are honored as-is;
// strings without an offset are returned with naive=true (and UTC location,
// which callers must not trust).
func ParseTickTime(s string) (ts time.Time, naive bool, err error) {
	if ts, err = time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, false, nil
	}
	for _, layout := range naiveLayouts {
		if ts, perr := time.Parse(layout, s); perr == nil {
			return ts, true, nil
		}
	}
	return time.Time{}, false, err
}

type tickWire struct {
	Symbol   string  `json:"symbol"`
	Token    string  `json:"token"`
	Exchange string  `json:"exchange"`
	Price    float64 `json:"price"`
	Qty      *int64  `json:"qty"`
	TickTS   string  `json:"tick_ts"`
}

// UnmarshalJSON decodes the text feed format. tick_ts without an offset sets
// Naive; an absent qty becomes DefaultQty.
func (t *Tick) UnmarshalJSON(data []byte) error {
	var w tickWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Tick{Symbol: w.Symbol, Token: w.Token, Exchange: w.Exchange, Price: w.Price, Qty: DefaultQty}
	if w.Qty != nil {
		t.Qty = *w.Qty
	}
	if w.TickTS == "" {
		return nil
	}
	ts, naive, err := ParseTickTime(w.TickTS)
	if err != nil {
		return fmt.Errorf("tick_ts: %w", err)
	}
	t.TickTS, t.Naive = ts, naive
	return nil
}
