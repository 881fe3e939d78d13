package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"barengine/internal/model"
)

const readPageSize = 1000

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int

	// Exchange is the exchange segment of the stream keys read. Default "NSE".
	Exchange string
}

// Reader reads bars back out of the streams and keys maintained by Writer.
type Reader struct {
	client   *goredis.Client
	exchange string
	log      *slog.Logger
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig, l *slog.Logger) (*Reader, error) {
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
	return NewReaderWithClient(client, cfg.Exchange, l), nil
}

// NewReaderWithClient wraps an existing client.
func NewReaderWithClient(client *goredis.Client, exchange string, l *slog.Logger) *Reader {
	if exchange == "" {
		exchange = "NSE"
	}
	if l == nil {
		l = slog.Default()
	}
	return &Reader{client: client, exchange: exchange, log: l}
}

// ReadBars returns the bars of one stream with open time in [from, to),
// ascending. Entries that fail to decode are logged and skipped.
func (r *Reader) ReadBars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error) {
	stream := model.NewBar(model.BarFields{Symbol: symbol, Exchange: r.exchange, Timeframe: tf}).StreamKey()
	start := EntryID(from)
	end := "(" + EntryID(to)

	var bars []model.Bar
	for {
		msgs, err := r.client.XRangeN(ctx, stream, start, end, readPageSize).Result()
		if err != nil {
			return bars, fmt.Errorf("xrange %s: %w", stream, err)
		}
		for _, msg := range msgs {
			b, err := decodeEntry(msg)
			if err != nil {
				r.log.Warn("redis: skipping bad stream entry", "stream", stream, "id", msg.ID, "error", err)
				continue
			}
			bars = append(bars, b)
		}
		if len(msgs) < readPageSize {
			return bars, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// Latest returns the newest bar for an instrument and timeframe. ok is false
// when no bar has been written or the key expired.
func (r *Reader) Latest(ctx context.Context, symbol string, tf model.Timeframe) (model.Bar, bool, error) {
	data, err := r.client.Get(ctx, LatestKey(tf, r.exchange, symbol)).Result()
	if errors.Is(err, goredis.Nil) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, fmt.Errorf("get latest: %w", err)
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, false, fmt.Errorf("decode latest: %w", err)
	}
	return b, true, nil
}

// SubscribeBars forwards bars published on every pub:bar:* channel to out.
// Sends are non-blocking; a slow consumer loses bars. Blocks until ctx is
// cancelled.
func (r *Reader) SubscribeBars(ctx context.Context, out chan<- model.Bar) error {
	pubsub := r.client.PSubscribe(ctx, "pub:bar:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var b model.Bar
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				r.log.Warn("redis: bad pubsub payload", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- b:
			default:
			}
		}
	}
}

func decodeEntry(msg goredis.XMessage) (model.Bar, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, errors.New("missing data field")
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, err
	}
	return b, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
