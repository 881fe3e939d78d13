package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
)

func testBar(minute int, closePx float64) model.Bar {
	open := time.Date(2024, 6, 3, 9, 15+minute, 0, 0, markethours.IST)
	return model.NewBar(model.BarFields{
		Symbol: "SBIN", Exchange: "NSE", Timeframe: model.OneMinute,
		OpenTime: open, CloseTime: open.Add(time.Minute),
		Open: 800, High: 805, Low: 799, Close: closePx, Volume: 12, Trades: 4, Mode: model.ModeLive,
	})
}

func newTestWriter(t *testing.T) (*Writer, string, *metrics.Metrics) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.db")
	m := metrics.NewMetrics(prometheus.NewRegistry())
	w, err := New(WriterConfig{DBPath: path}, nil, m)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path, m
}

func TestWriteBars_IdempotentOnNaturalKey(t *testing.T) {
	w, path, m := newTestWriter(t)
	ctx := context.Background()

	n, err := w.WriteBars(ctx, []model.Bar{testBar(0, 801), testBar(1, 802)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Same key, different close: ignored, first write wins.
	n, err = w.WriteBars(ctx, []model.Bar{testBar(0, 999), testBar(2, 803)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkDuplicate.WithLabelValues("sqlite")))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	day := time.Date(2024, 6, 3, 0, 0, 0, 0, markethours.IST)
	bars, err := r.ReadBars(ctx, "SBIN", model.OneMinute, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 801.0, bars[0].Close())
	assert.True(t, bars[0].IsClosed())
	assert.Equal(t, model.ModeLive, bars[0].Mode())
	assert.Equal(t, int64(4), bars[0].Trades())
	assert.True(t, bars[2].OpenTime().Equal(testBar(2, 0).OpenTime()))
	assert.Equal(t, time.Minute, bars[1].Duration())
}

func TestReadBars_RangeIsHalfOpen(t *testing.T) {
	w, path, _ := newTestWriter(t)
	ctx := context.Background()
	_, err := w.WriteBars(ctx, []model.Bar{testBar(0, 1), testBar(1, 2), testBar(2, 3)})
	require.NoError(t, err)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	bars, err := r.ReadBars(ctx, "SBIN", model.OneMinute, testBar(1, 0).OpenTime(), testBar(2, 0).OpenTime())
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 2.0, bars[0].Close())

	bars, err = r.ReadBars(ctx, "SBIN", model.FiveMinute, testBar(0, 0).OpenTime(), testBar(3, 0).OpenTime())
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestRunBars_FlushesOnClose(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ch := make(chan model.Bar, 3)
	ch <- testBar(0, 1)
	ch <- testBar(1, 2)
	close(ch)
	w.RunBars(context.Background(), ch)

	last, ok, err := w.LastOpenTime(context.Background(), "SBIN", model.OneMinute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(testBar(1, 0).OpenTime()))

	_, ok, err = w.LastOpenTime(context.Background(), "INFY", model.OneMinute)
	require.NoError(t, err)
	assert.False(t, ok)
}
