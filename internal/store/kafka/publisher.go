// Package kafka publishes closed bars as JSON events. Messages are keyed by
// the bar's natural key so every copy of a bar lands on the same partition
// and consumers can drop repeats.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/internal/store"
)

const sinkName = "kafka"

// PublisherConfig configures the bar publisher.
type PublisherConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes bars to a Kafka topic.
type Publisher struct {
	writer  messageWriter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher. Connections are made lazily on the first
// write.
func NewPublisher(cfg PublisherConfig, l *slog.Logger, m *metrics.Metrics) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, l, m), nil
}

func newPublisher(w messageWriter, l *slog.Logger, m *metrics.Metrics) *Publisher {
	if l == nil {
		l = slog.Default()
	}
	return &Publisher{writer: w, log: l, metrics: m}
}

// Message builds the Kafka message for b.
func Message(b model.Bar) kafka.Message {
	return kafka.Message{
		Key:   []byte(b.Key()),
		Value: b.JSON(),
		Headers: []kafka.Header{
			{Key: "timeframe", Value: []byte(b.Timeframe())},
			{Key: "mode", Value: []byte(b.Mode())},
		},
	}
}

// RunBars batches bars from barCh and publishes them. Blocks until barCh is
// closed or ctx is cancelled; pending bars are flushed before returning.
func (p *Publisher) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	flushCtx := context.WithoutCancel(ctx)
	store.RunBatched(ctx, barCh, store.DefaultBatchSize, store.DefaultFlushDelay, func(bars []model.Bar) {
		if err := p.PublishBars(flushCtx, bars); err != nil {
			p.log.Error("kafka: publish failed", "bars", len(bars), "error", err)
		}
	})
}

// PublishBars writes bars in one request.
func (p *Publisher) PublishBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	msgs := make([]kafka.Message, len(bars))
	for i, b := range bars {
		msgs[i] = Message(b)
	}
	err := p.writer.WriteMessages(ctx, msgs...)
	if err != nil {
		err = fmt.Errorf("kafka write: %w", err)
	}
	p.metrics.ObserveBatch(sinkName, start, err, 0)
	return err
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
