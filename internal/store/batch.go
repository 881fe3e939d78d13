// Package store holds what the bar sinks share. Each concrete sink lives in
// its own subpackage and keys bars by (symbol, timeframe, open_time).
package store

import (
	"context"
	"time"

	"barengine/internal/model"
)

const (
	DefaultBatchSize  = 100
	DefaultFlushDelay = 200 * time.Millisecond
)

// RunBatched reads bars from barCh and hands them to flush in batches of up
// to size, or whatever has accumulated every delay, whichever comes first.
// The pending batch is flushed when ctx is cancelled or barCh is closed.
// flush must not retain the slice.
func RunBatched(ctx context.Context, barCh <-chan model.Bar, size int, delay time.Duration, flush func([]model.Bar)) {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	batch := make([]model.Bar, 0, size)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	doFlush := func() {
		if len(batch) == 0 {
			return
		}
		flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			doFlush()
			return

		case bar, ok := <-barCh:
			if !ok {
				doFlush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= size {
				doFlush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(delay)
			}

		case <-timer.C:
			doFlush()
			timer.Reset(delay)
		}
	}
}
