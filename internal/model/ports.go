package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the bar pipeline from concrete sinks
// (SQLite, Postgres, Redis, Kafka). Every sink keys bars by
// (symbol, timeframe, open_time) and treats a re-insert as a no-op.

// BarWriter consumes closed bars from a channel and persists them.
type BarWriter interface {
	// RunBars reads bars from barCh and writes them.
	// Blocks until ctx is cancelled or barCh is closed.
	RunBars(ctx context.Context, barCh <-chan Bar)

	// Close releases underlying resources.
	Close() error
}

// BarBatchWriter writes a finite set of bars in one call (historical loads).
type BarBatchWriter interface {
	WriteBars(ctx context.Context, bars []Bar) (int, error)
}

// BarReader reads persisted bars back for inspection and export.
type BarReader interface {
	// ReadBars returns bars for symbol and timeframe with open_time in [from, to),
	// ascending by open_time.
	ReadBars(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}
