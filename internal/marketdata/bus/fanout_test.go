package bus

import (
	"context"
	"testing"
	"time"

	"barengine/internal/model"
)

func testBar(sym string, minute int) model.Bar {
	open := time.Date(2024, 6, 3, 9, 15+minute, 0, 0, time.FixedZone("IST", 19800))
	return model.NewBar(model.BarFields{
		Symbol:    sym,
		Exchange:  "NSE",
		Timeframe: model.OneMinute,
		OpenTime:  open,
		CloseTime: open.Add(time.Minute),
		Open:      100,
		High:      110,
		Low:       90,
		Close:     105,
		Volume:    10,
		Trades:    3,
		Mode:      model.ModeLive,
	})
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("sqlite")
	out2 := fo.Subscribe("redis")

	input := make(chan model.Bar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- testBar("SBIN", 0)

	for i, out := range []<-chan model.Bar{out1, out2} {
		select {
		case b := <-out:
			if b.Symbol() != "SBIN" {
				t.Errorf("out%d: expected SBIN, got %s", i+1, b.Symbol())
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for bar", i+1)
		}
	}
}

func TestFanOut_SlowSubscriberDrops(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe("slow")

	dropped := make(chan string, 10)
	fo.OnDrop = func(name string, b model.Bar) { dropped <- name }

	input := make(chan model.Bar, 10)
	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()

	input <- testBar("SBIN", 0)
	input <- testBar("SBIN", 1)
	input <- testBar("SBIN", 2)
	close(input)
	<-done

	if n := len(dropped); n != 2 {
		t.Fatalf("expected 2 drops, got %d", n)
	}
	if name := <-dropped; name != "slow" {
		t.Errorf("expected drop for slow, got %s", name)
	}

	b, ok := <-slow
	if !ok || b.OpenTime().Minute() != 15 {
		t.Errorf("expected the first bar to be kept, got %v ok=%v", b.OpenTime(), ok)
	}
	if _, ok := <-slow; ok {
		t.Error("expected output closed after input closed")
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(4)
	fo.Subscribe("a")
	fo.Subscribe("b")
	stats := fo.ChannelStats()
	if len(stats) != 2 || stats[0].Name != "a" || stats[1].Cap != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestFanOut_BackpressureWaitsForSlowSubscriber(t *testing.T) {
	fo := New(1)
	fo.Backpressure = true
	slow := fo.Subscribe("slow")

	var drops int
	fo.OnDrop = func(string, model.Bar) { drops++ }

	input := make(chan model.Bar, 10)
	for m := 0; m < 4; m++ {
		input <- testBar("SBIN", m)
	}
	close(input)

	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()

	var minutes []int
	for b := range slow {
		time.Sleep(5 * time.Millisecond)
		minutes = append(minutes, b.OpenTime().Minute())
	}
	<-done

	if drops != 0 {
		t.Errorf("expected no drops, got %d", drops)
	}
	if len(minutes) != 4 || minutes[0] != 15 || minutes[3] != 18 {
		t.Errorf("expected minutes 15..18 in order, got %v", minutes)
	}
}
