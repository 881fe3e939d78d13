// Package replay streams a recorded tick file into the bar pipeline at a
// configurable speed, for offline runs and reproducing a live session.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"barengine/internal/instruments"
	"barengine/internal/model"
)

// MaxGap caps the simulated pause between two ticks.
const MaxGap = 5 * time.Second

// Stats summarizes one replay.
type Stats struct {
	Lines   int
	Emitted int
	Skipped int
}

// Replayer reads JSON-lines ticks (model.Tick wire format) and replays them in
// file order. File order is kept as-is: the aggregator, not the replayer,
// decides what to do with out-of-order ticks.
type Replayer struct {
	reg *instruments.Registry
	log *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer. reg resolves token-only lines and may be nil.
func New(reg *instruments.Registry, l *slog.Logger) *Replayer {
	if l == nil {
		l = slog.Default()
	}
	return &Replayer{reg: reg, log: l, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run replays every tick in r into outCh. speed controls the playback rate:
// 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible. Sends block, so a
// slow consumer slows the replay rather than losing ticks.
func (rp *Replayer) Run(ctx context.Context, r io.Reader, speed float64, outCh chan<- model.Tick) (Stats, error) {
	var (
		st     Stats
		prevTS time.Time
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		st.Lines++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var tick model.Tick
		if err := json.Unmarshal(line, &tick); err != nil {
			st.Skipped++
			rp.log.Warn("replay: bad line", "line", st.Lines, "error", err)
			continue
		}
		if tick.Symbol == "" && rp.reg != nil {
			tick.Symbol, _ = rp.reg.Symbol(tick.Token)
		}
		if tick.Symbol == "" {
			st.Skipped++
			rp.log.Warn("replay: line has no resolvable symbol", "line", st.Lines, "token", tick.Token)
			continue
		}

		// Simulate time gaps between ticks
		if speed > 0 && !prevTS.IsZero() && !tick.TickTS.IsZero() {
			if gap := tick.TickTS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				if scaled > MaxGap {
					scaled = MaxGap
				}
				if err := rp.sleep(ctx, scaled); err != nil {
					return st, err
				}
			}
		}
		if !tick.TickTS.IsZero() {
			prevTS = tick.TickTS
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case outCh <- tick:
			st.Emitted++
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("replay: read: %w", err)
	}

	rp.log.Info("replay: completed", "lines", st.Lines, "emitted", st.Emitted, "skipped", st.Skipped)
	return st, nil
}
