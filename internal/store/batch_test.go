package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"barengine/internal/model"
)

func bar(minute int) model.Bar {
	open := time.Date(2024, 6, 3, 9, 15+minute, 0, 0, time.UTC)
	return model.NewBar(model.BarFields{Symbol: "SBIN", Timeframe: model.OneMinute, OpenTime: open, CloseTime: open.Add(time.Minute)})
}

type recorder struct {
	mu      sync.Mutex
	batches [][]model.Bar
}

func (r *recorder) flush(b []model.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]model.Bar(nil), b...))
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

func TestRunBatched_SizeAndClose(t *testing.T) {
	ch := make(chan model.Bar, 10)
	for i := 0; i < 5; i++ {
		ch <- bar(i)
	}
	close(ch)

	var r recorder
	RunBatched(context.Background(), ch, 2, time.Hour, r.flush)
	assert.Equal(t, []int{2, 2, 1}, r.sizes())
	assert.Equal(t, 19, r.batches[2][0].OpenTime().Minute())
}

func TestRunBatched_TimerFlush(t *testing.T) {
	ch := make(chan model.Bar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	var r recorder
	done := make(chan struct{})
	go func() {
		RunBatched(ctx, ch, 100, 20*time.Millisecond, r.flush)
		close(done)
	}()

	ch <- bar(0)
	assert.Eventually(t, func() bool { return len(r.sizes()) == 1 }, time.Second, 5*time.Millisecond)

	ch <- bar(1)
	cancel()
	<-done
	total := 0
	for _, n := range r.sizes() {
		total += n
	}
	assert.LessOrEqual(t, total, 2)
}
