package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"barengine/internal/metrics"
	"barengine/internal/model"
)

const (
	sinkName = "redis"

	defaultStreamMaxLen = 2000
	defaultLatestTTL    = 24 * time.Hour
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// StreamMaxLen approximately caps each bar stream. Default 2000.
	StreamMaxLen int64
}

// Writer appends closed bars to per-instrument Redis Streams, keeps the latest
// bar under a plain key and publishes it for live subscribers.
//
// Stream entry ids are derived from the bar open time, so Redis itself rejects
// a second write of the same bar. Bars for one stream must therefore arrive in
// open-time order; an older bar is treated as already written.
type Writer struct {
	client  *goredis.Client
	maxLen  int64
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server. l and m may be nil.
func New(cfg WriterConfig, l *slog.Logger, m *metrics.Metrics) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	w := NewWithClient(client, cfg, l, m)
	w.log.Info("redis: connected", "addr", cfg.Addr)
	return w, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg WriterConfig, l *slog.Logger, m *metrics.Metrics) *Writer {
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if l == nil {
		l = slog.Default()
	}
	return &Writer{client: client, maxLen: cfg.StreamMaxLen, log: l, metrics: m}
}

// LatestKey is the key holding the newest bar for an instrument and timeframe.
func LatestKey(tf model.Timeframe, exchange, symbol string) string {
	return "bar:" + tf.Short() + ":latest:" + exchange + ":" + symbol
}

// ChannelName is the Pub/Sub channel for an instrument and timeframe.
func ChannelName(tf model.Timeframe, exchange, symbol string) string {
	return "pub:bar:" + tf.Short() + ":" + exchange + ":" + symbol
}

// EntryID is the stream id used for a bar opening at t.
func EntryID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}

// errDuplicate marks a bar whose stream id already exists.
var errDuplicate = errors.New("redis: bar already in stream")

// isStaleID reports whether err is Redis refusing an XADD id that is not
// greater than the stream's last entry.
func isStaleID(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller than the target stream top item")
}

// RunBars reads bars from barCh and writes each one. Blocks until ctx is
// cancelled or barCh is closed.
func (w *Writer) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if err := w.WriteBar(ctx, b); err != nil {
				w.log.Error("redis: write failed", "key", b.Key(), "error", err)
			}
		}
	}
}

// WriteBar appends b to its stream, then updates the latest key and publishes.
// A bar already present is a silent no-op.
func (w *Writer) WriteBar(ctx context.Context, b model.Bar) error {
	start := time.Now()
	err := w.writeBar(ctx, b)
	if errors.Is(err, errDuplicate) {
		w.metrics.ObserveSink(sinkName, start, nil, true)
		return nil
	}
	w.metrics.ObserveSink(sinkName, start, err, false)
	return err
}

// WriteBars writes bars one at a time and returns how many were new.
func (w *Writer) WriteBars(ctx context.Context, bars []model.Bar) (int, error) {
	n := 0
	for _, b := range bars {
		start := time.Now()
		err := w.writeBar(ctx, b)
		switch {
		case errors.Is(err, errDuplicate):
			w.metrics.ObserveSink(sinkName, start, nil, true)
		case err != nil:
			w.metrics.ObserveSink(sinkName, start, err, false)
			return n, err
		default:
			w.metrics.ObserveSink(sinkName, start, nil, false)
			n++
		}
	}
	return n, nil
}

func (w *Writer) writeBar(ctx context.Context, b model.Bar) error {
	data := string(b.JSON())

	err := w.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.StreamKey(),
		ID:     EntryID(b.OpenTime()),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if isStaleID(err) {
		return errDuplicate
	}
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.Key(), err)
	}

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(b.Timeframe(), b.Exchange(), b.Symbol()), data, defaultLatestTTL)
	pipe.Publish(ctx, ChannelName(b.Timeframe(), b.Exchange(), b.Symbol()), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("latest/publish %s: %w", b.Key(), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
