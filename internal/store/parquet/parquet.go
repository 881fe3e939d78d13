// Package parquet exports bars to Parquet files for offline analysis.
package parquet

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

// Row is the on-disk layout of one bar. Times are Unix milliseconds so files
// read the same in any zone.
type Row struct {
	Symbol      string  `parquet:"symbol,dict"`
	Exchange    string  `parquet:"exchange,dict"`
	Timeframe   string  `parquet:"timeframe,dict"`
	OpenTimeMs  int64   `parquet:"open_time_ms"`
	CloseTimeMs int64   `parquet:"close_time_ms"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	Trades      int64   `parquet:"trades"`
	Mode        string  `parquet:"mode,dict"`
}

// ToRow flattens b.
func ToRow(b model.Bar) Row {
	return Row{
		Symbol:      b.Symbol(),
		Exchange:    b.Exchange(),
		Timeframe:   string(b.Timeframe()),
		OpenTimeMs:  b.OpenTime().UnixMilli(),
		CloseTimeMs: b.CloseTime().UnixMilli(),
		Open:        b.Open(),
		High:        b.High(),
		Low:         b.Low(),
		Close:       b.Close(),
		Volume:      b.Volume(),
		Trades:      b.Trades(),
		Mode:        string(b.Mode()),
	}
}

// Bar rebuilds the bar with times in IST.
func (r Row) Bar() model.Bar {
	return model.NewBar(model.BarFields{
		Symbol:    r.Symbol,
		Exchange:  r.Exchange,
		Timeframe: model.Timeframe(r.Timeframe),
		OpenTime:  time.UnixMilli(r.OpenTimeMs).In(markethours.IST),
		CloseTime: time.UnixMilli(r.CloseTimeMs).In(markethours.IST),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Trades:    r.Trades,
		Mode:      model.Mode(r.Mode),
	})
}

// Rows sorts bars by (symbol, timeframe, open_time), drops repeated natural
// keys keeping the first, and flattens them.
func Rows(bars []model.Bar) []Row {
	sorted := make([]model.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Symbol() != b.Symbol() {
			return a.Symbol() < b.Symbol()
		}
		if a.Timeframe() != b.Timeframe() {
			return a.Timeframe() < b.Timeframe()
		}
		return a.OpenTime().Before(b.OpenTime())
	})

	rows := make([]Row, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, b := range sorted {
		if seen[b.Key()] {
			continue
		}
		seen[b.Key()] = true
		rows = append(rows, ToRow(b))
	}
	return rows
}

// Write encodes bars to w.
func Write(w io.Writer, bars []model.Bar) error {
	return parquet.Write(w, Rows(bars))
}

// WriteFile writes bars to path, creating parent directories.
func WriteFile(path string, bars []model.Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("parquet mkdir: %w", err)
	}
	if err := parquet.WriteFile(path, Rows(bars)); err != nil {
		return fmt.Errorf("parquet write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads bars written by WriteFile.
func ReadFile(path string) ([]model.Bar, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = r.Bar()
	}
	return bars, nil
}

// Collector gathers bars from a channel and writes them to one file when the
// channel closes.
type Collector struct {
	path string
	bars []model.Bar
}

// NewCollector returns a Collector writing to path.
func NewCollector(path string) *Collector {
	return &Collector{path: path}
}

// RunBars collects until barCh is closed or ctx is cancelled, then writes the
// file. Nothing is written when no bar arrived.
func (c *Collector) RunBars(ctx context.Context, barCh <-chan model.Bar) error {
	for {
		select {
		case <-ctx.Done():
			return c.Flush()
		case b, ok := <-barCh:
			if !ok {
				return c.Flush()
			}
			c.bars = append(c.bars, b)
		}
	}
}

// Flush writes everything collected so far.
func (c *Collector) Flush() error {
	if len(c.bars) == 0 {
		return nil
	}
	return WriteFile(c.path, c.bars)
}

// Len returns the number of collected bars.
func (c *Collector) Len() int { return len(c.bars) }
