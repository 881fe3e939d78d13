package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/config"
	"barengine/internal/logger"
	"barengine/internal/marketdata/agg"
	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	sqlitestore "barengine/internal/store/sqlite"
)

func ist(h, m, s int) time.Time {
	return time.Date(2024, 6, 3, h, m, s, 0, markethours.IST)
}

func tick(ts time.Time, price float64) model.Tick {
	return model.Tick{Symbol: "SBIN", Exchange: "NSE", Price: price, Qty: 10, TickTS: ts}
}

func TestRunWritesClosedBarsToSQLite(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "data", "bars.db")
	cfg := &config.Config{SQLite: config.SQLiteConfig{Path: dbPath}}

	var logs bytes.Buffer
	l := logger.InitWriter(&logs, "pipeline-test", slog.LevelDebug)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := metrics.NewHealthStatus()

	sinks, err := OpenSinks(ctx, cfg, l, m, h)
	require.NoError(t, err)
	defer sinks.Close()
	assert.Equal(t, []string{"sqlite"}, sinks.Names())

	d, err := agg.NewDispatcher([]model.Timeframe{model.OneMinute}, model.ModeLive,
		func() time.Time { return ist(15, 31, 0) })
	require.NoError(t, err)
	Observe(ctx, d, l, m, h)

	tickCh := make(chan model.Tick, 8)
	tickCh <- tick(ist(10, 0, 10), 100)
	tickCh <- tick(ist(10, 0, 50), 101)
	tickCh <- tick(ist(10, 0, 40), 99) // out of order
	tickCh <- tick(ist(10, 1, 5), 102)
	tickCh <- tick(ist(10, 2, 0), 103)
	close(tickCh)

	Run(ctx, d, tickCh, NewFanOut(16, l, m), sinks, 16)

	rd, err := sqlitestore.NewReader(dbPath)
	require.NoError(t, err)
	defer rd.Close()
	bars, err := rd.ReadBars(ctx, "SBIN", model.OneMinute, ist(9, 15, 0), ist(15, 30, 0))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Open())
	assert.Equal(t, 101.0, bars[0].Close())
	assert.Equal(t, 20.0, bars[0].Volume())
	assert.Equal(t, 102.0, bars[1].Close())

	assert.Equal(t, float64(5), testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TickRejects.WithLabelValues(string(agg.OutOfOrder))))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BarsEmitted.WithLabelValues("ONE_MINUTE", "live")))
	assert.Contains(t, logs.String(), `"event":"CANDLE_CLOSED"`)
	assert.Contains(t, logs.String(), `"event":"TICK_REJECTED"`)
	assert.True(t, h.LastBarTime.Equal(ist(10, 2, 0)))
}

func TestObserveCountsDroppedBars(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	l := logger.InitWriter(&logs, "pipeline-test", slog.LevelInfo)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	// A wall clock before the bar opens makes it a future bar.
	d, err := agg.NewDispatcher([]model.Timeframe{model.OneMinute}, model.ModeLive,
		func() time.Time { return ist(9, 0, 0) })
	require.NoError(t, err)
	Observe(ctx, d, l, m, nil)

	d.Dispatch(tick(ist(10, 0, 10), 100))
	assert.Empty(t, d.Dispatch(tick(ist(10, 1, 0), 101)))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BarsDropped.WithLabelValues("ONE_MINUTE", "TIMESTAMP_IN_FUTURE")))
	assert.Contains(t, logs.String(), `"event":"CANDLE_DROPPED"`)
}

func TestRunWithBackpressureIsLossless(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "bars.db")
	cfg := &config.Config{SQLite: config.SQLiteConfig{Path: dbPath}}
	l := logger.InitWriter(&bytes.Buffer{}, "pipeline-test", slog.LevelInfo)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	sinks, err := OpenSinks(ctx, cfg, l, m, nil)
	require.NoError(t, err)
	defer sinks.Close()

	d, err := agg.NewDispatcher([]model.Timeframe{model.OneMinute}, model.ModeLive,
		func() time.Time { return ist(15, 31, 0) })
	require.NoError(t, err)
	Observe(ctx, d, l, m, nil)
	d.Backpressure = true
	fan := NewFanOut(1, l, m)
	fan.Backpressure = true

	const minutes = 120
	tickCh := make(chan model.Tick, minutes+1)
	for i := 0; i <= minutes; i++ {
		tickCh <- tick(ist(10, 0, 0).Add(time.Duration(i)*time.Minute), 100)
	}
	close(tickCh)

	Run(ctx, d, tickCh, fan, sinks, 1)

	rd, err := sqlitestore.NewReader(dbPath)
	require.NoError(t, err)
	defer rd.Close()
	bars, err := rd.ReadBars(ctx, "SBIN", model.OneMinute, ist(9, 15, 0), ist(15, 30, 0))
	require.NoError(t, err)
	assert.Len(t, bars, minutes)
	assert.Zero(t, testutil.ToFloat64(m.BarChanDrops))
	assert.Zero(t, testutil.CollectAndCount(m.FanoutDropsTotal))
}
