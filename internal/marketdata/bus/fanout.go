package bus

import (
	"context"
	"log/slog"
	"sync"

	"barengine/internal/model"
)

// FanOut broadcasts bars from a single input channel to N named output
// channels. If an output channel is full, the bar is dropped for that
// consumer to prevent a slow sink from blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called when a bar is dropped for a subscriber.
	OnDrop func(subscriber string, b model.Bar)

	// Backpressure makes Run wait for a full subscriber instead of dropping.
	Backpressure bool
}

type output struct {
	name string
	ch   chan model.Bar
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. name labels drops.
// Subscribe must be called before Run.
func (f *FanOut) Subscribe(name string) <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; closes every output
// on return.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, o := range f.outputs {
				f.send(ctx, o, bar)
			}
			f.mu.RUnlock()
		}
	}
}

func (f *FanOut) send(ctx context.Context, o output, bar model.Bar) {
	if f.Backpressure {
		select {
		case o.ch <- bar:
			return
		case <-ctx.Done():
		}
	} else {
		select {
		case o.ch <- bar:
			return
		default:
		}
	}
	if f.OnDrop != nil {
		f.OnDrop(o.name, bar)
	} else {
		slog.Warn("bus: output full, dropping bar", "subscriber", o.name, "key", bar.Key())
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats reports saturation for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
