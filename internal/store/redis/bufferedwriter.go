package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"barengine/internal/metrics"
	"barengine/internal/model"
)

// barWriter is satisfied by *Writer.
type barWriter interface {
	WriteBar(ctx context.Context, b model.Bar) error
	Close() error
}

// BufferedWriter wraps a Redis Writer with a circuit breaker.
// During circuit-open state, bars are buffered locally and flushed
// when the circuit closes again.
type BufferedWriter struct {
	writer barWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu     sync.Mutex
	buffer []model.Bar
	maxBuf int // max buffered bars before dropping oldest (default: 10000)

	flushMu sync.Mutex // serializes flushes so bars leave in arrival order

	// Callbacks
	OnBuffer func()          // called when a bar is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered bars
}

// NewBufferedWriter creates a BufferedWriter wrapping w. ctx bounds the
// background flushes.
func NewBufferedWriter(ctx context.Context, w barWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    slog.Default(),
		buffer: make([]model.Bar, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// Instrument wires the breaker and buffer to Prometheus.
func (bw *BufferedWriter) Instrument(m *metrics.Metrics) {
	if m == nil {
		return
	}
	prevCallback := bw.cb.OnStateChange
	bw.cb.OnStateChange = func(from, to State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		if prevCallback != nil {
			prevCallback(from, to)
		}
	}
	prevBuffer := bw.OnBuffer
	bw.OnBuffer = func() {
		m.RedisBufferedWrites.Inc()
		if prevBuffer != nil {
			prevBuffer()
		}
	}
}

// WriteBar writes a bar through the circuit breaker.
// If the circuit is open, the bar is buffered locally. While bars are pending
// new bars queue behind them so each stream still sees open-time order.
func (bw *BufferedWriter) WriteBar(b model.Bar) error {
	bw.mu.Lock()
	if len(bw.buffer) > 0 {
		bw.bufferLocked(b)
		bw.mu.Unlock()
		bw.notifyBuffered()
		bw.flush()
		return nil
	}
	bw.mu.Unlock()

	err := bw.cb.Execute(func() error {
		return bw.writer.WriteBar(bw.ctx, b)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferBar(b)
		return nil // buffered, not lost
	}
	return err
}

// RunBars reads bars from barCh and writes them through the breaker.
// Blocks until ctx is cancelled or barCh is closed.
func (bw *BufferedWriter) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if err := bw.WriteBar(b); err != nil {
				bw.log.Warn("redis: buffered write failed", "key", b.Key(), "error", err)
			}
		}
	}
}

func (bw *BufferedWriter) bufferBar(b model.Bar) {
	bw.mu.Lock()
	bw.bufferLocked(b)
	bw.mu.Unlock()
	bw.notifyBuffered()
}

func (bw *BufferedWriter) bufferLocked(b model.Bar) {
	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full, drop oldest
		bw.log.Warn("redis: buffer full, dropping oldest", "key", bw.buffer[0].Key())
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, b)
}

func (bw *BufferedWriter) notifyBuffered() {
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered bars through the breaker, oldest first. It stops at
// the first ErrCircuitOpen and leaves the rest queued.
func (bw *BufferedWriter) flush() {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	flushed, failed := 0, 0
	for {
		bw.mu.Lock()
		if len(bw.buffer) == 0 {
			bw.mu.Unlock()
			break
		}
		b := bw.buffer[0]
		bw.buffer = bw.buffer[1:]
		bw.mu.Unlock()

		err := bw.cb.Execute(func() error {
			return bw.writer.WriteBar(bw.ctx, b)
		})
		if errors.Is(err, ErrCircuitOpen) {
			bw.mu.Lock()
			if len(bw.buffer) < bw.maxBuf {
				bw.buffer = append([]model.Bar{b}, bw.buffer...)
			}
			bw.mu.Unlock()
			break
		}
		if err != nil {
			bw.log.Warn("redis: flush write failed", "key", b.Key(), "error", err)
			failed++
			continue
		}
		flushed++
	}

	if flushed == 0 && failed == 0 {
		return
	}
	bw.log.Info("redis: flushed buffered bars", "flushed", flushed, "failed", failed, "pending", bw.PendingCount())
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered bars waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Close closes the underlying writer. Bars still buffered are lost.
func (bw *BufferedWriter) Close() error {
	if n := bw.PendingCount(); n > 0 {
		bw.log.Warn("redis: closing with buffered bars", "pending", n)
	}
	return bw.writer.Close()
}
