package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

type fakeBarWriter struct {
	mu      sync.Mutex
	failing bool
	written []string
	closed  bool
}

func (f *fakeBarWriter) WriteBar(_ context.Context, b model.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("connection refused")
	}
	f.written = append(f.written, b.Key())
	return nil
}

func (f *fakeBarWriter) Close() error { f.closed = true; return nil }

func (f *fakeBarWriter) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeBarWriter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func minuteBar(minute int) model.Bar {
	open := time.Date(2024, 6, 3, 9, 15+minute, 0, 0, markethours.IST)
	return model.NewBar(model.BarFields{
		Symbol: "RELIANCE", Exchange: "NSE", Timeframe: model.OneMinute,
		OpenTime: open, CloseTime: open.Add(time.Minute),
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, Trades: 2,
		Mode: model.ModeLive,
	})
}

func newTestBuffered(t *testing.T, maxBuf int) (*BufferedWriter, *fakeBarWriter, *fakeClock) {
	t.Helper()
	fw := &fakeBarWriter{}
	cb, clk := newTestBreaker(1)
	bw := NewBufferedWriter(context.Background(), fw, cb, maxBuf)
	return bw, fw, clk
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	bw, fw, _ := newTestBuffered(t, 10)

	require.NoError(t, bw.WriteBar(minuteBar(0)))
	require.NoError(t, bw.WriteBar(minuteBar(1)))

	assert.Equal(t, []string{minuteBar(0).Key(), minuteBar(1).Key()}, fw.keys())
	assert.Zero(t, bw.PendingCount())
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesInOrder(t *testing.T) {
	bw, fw, clk := newTestBuffered(t, 10)
	buffered := 0
	bw.OnBuffer = func() { buffered++ }
	var flushedCounts []int
	bw.OnFlush = func(n int) { flushedCounts = append(flushedCounts, n) }

	fw.setFailing(true)
	assert.Error(t, bw.WriteBar(minuteBar(0)))
	require.Equal(t, StateOpen, bw.cb.CurrentState())

	require.NoError(t, bw.WriteBar(minuteBar(1)))
	require.NoError(t, bw.WriteBar(minuteBar(2)))
	assert.Equal(t, 2, bw.PendingCount())
	assert.Equal(t, 2, buffered)

	fw.setFailing(false)
	clk.advance(11 * time.Second)
	require.NoError(t, bw.WriteBar(minuteBar(3)))

	assert.Equal(t, []string{
		minuteBar(1).Key(), minuteBar(2).Key(), minuteBar(3).Key(),
	}, fw.keys())
	assert.Zero(t, bw.PendingCount())
	assert.Equal(t, StateClosed, bw.cb.CurrentState())
	assert.Contains(t, flushedCounts, 3)
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	bw, fw, clk := newTestBuffered(t, 2)

	fw.setFailing(true)
	bw.WriteBar(minuteBar(0))
	fw.setFailing(false)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bw.WriteBar(minuteBar(i)))
	}
	assert.Equal(t, 2, bw.PendingCount())

	clk.advance(11 * time.Second)
	bw.flush()

	assert.Equal(t, []string{minuteBar(2).Key(), minuteBar(3).Key()}, fw.keys())
}

func TestBufferedWriter_RunBarsStopsOnClose(t *testing.T) {
	bw, fw, _ := newTestBuffered(t, 10)
	ch := make(chan model.Bar, 2)
	ch <- minuteBar(0)
	ch <- minuteBar(1)
	close(ch)

	bw.RunBars(context.Background(), ch)
	assert.Len(t, fw.keys(), 2)

	require.NoError(t, bw.Close())
	assert.True(t, fw.closed)
}
