// Package pipeline wires the dispatcher to the bar sinks for the binaries:
// ticks in, validated bars fanned out to every configured store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"barengine/config"
	"barengine/internal/logger"
	"barengine/internal/marketdata/agg"
	"barengine/internal/marketdata/bus"
	"barengine/internal/marketdata/validate"
	"barengine/internal/metrics"
	"barengine/internal/model"
	kafkastore "barengine/internal/store/kafka"
	pgstore "barengine/internal/store/postgres"
	redisstore "barengine/internal/store/redis"
	sqlitestore "barengine/internal/store/sqlite"
)

// Redis circuit breaker settings.
const (
	redisMaxFailures  = 5
	redisResetTimeout = 10 * time.Second
	redisMaxBuffered  = 10000
)

type namedSink struct {
	name string
	sink model.BarWriter
}

// Sinks is the set of stores one run writes to. SQLite is always present;
// the others are enabled by configuration.
type Sinks struct {
	SQLite   *sqlitestore.Writer
	Postgres *pgstore.Writer
	Redis    *redisstore.Writer

	sinks []namedSink
	log   *slog.Logger
	wg    sync.WaitGroup
}

// OpenSinks opens every configured store. A Redis or Postgres that cannot be
// reached is logged and skipped; the run continues on the rest.
func OpenSinks(ctx context.Context, cfg *config.Config, l *slog.Logger, m *metrics.Metrics, h *metrics.HealthStatus) (*Sinks, error) {
	s := &Sinks{log: l}

	if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: create data dir: %w", err)
		}
	}
	sw, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path}, l, m)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	s.SQLite = sw
	s.add("sqlite", sw)
	if h != nil {
		h.SetStoreOK(true)
	}

	if cfg.Postgres.DSN != "" {
		pw, err := pgstore.New(ctx, cfg.Postgres.DSN, l, m)
		if err != nil {
			l.Warn("pipeline: postgres unavailable, continuing without it", "error", err)
		} else {
			s.Postgres = pw
			s.add("postgres", pw)
		}
	}

	if cfg.Redis.Addr != "" {
		rw, err := redisstore.New(redisstore.WriterConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		}, l, m)
		if err != nil {
			l.Warn("pipeline: redis unavailable, continuing without it", "error", err)
		} else {
			s.Redis = rw
			cb := redisstore.NewCircuitBreaker(redisMaxFailures, redisResetTimeout)
			bw := redisstore.NewBufferedWriter(ctx, rw, cb, redisMaxBuffered)
			bw.Instrument(m)
			s.add("redis", bw)
		}
		if h != nil {
			h.SetRedisEnabled(s.Redis != nil)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := kafkastore.NewPublisher(kafkastore.PublisherConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, l, m)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		s.add("kafka", kp)
	}

	return s, nil
}

func (s *Sinks) add(name string, w model.BarWriter) {
	s.sinks = append(s.sinks, namedSink{name: name, sink: w})
}

// Names lists the enabled sinks in start order.
func (s *Sinks) Names() []string {
	names := make([]string, len(s.sinks))
	for i, ns := range s.sinks {
		names[i] = ns.name
	}
	return names
}

// Start subscribes every sink to f and runs it in its own goroutine.
// Must be called before f.Run.
func (s *Sinks) Start(ctx context.Context, f *bus.FanOut) {
	for _, ns := range s.sinks {
		ch := f.Subscribe(ns.name)
		s.wg.Add(1)
		go func(ns namedSink) {
			defer s.wg.Done()
			ns.sink.RunBars(ctx, ch)
		}(ns)
	}
}

// Wait blocks until every started sink has returned.
func (s *Sinks) Wait() { s.wg.Wait() }

// StartLiveness runs the periodic health probes against the enabled stores.
func (s *Sinks) StartLiveness(ctx context.Context, h *metrics.HealthStatus, interval time.Duration) {
	if s.Redis != nil {
		h.StartLivenessChecker(ctx, s.Redis.Client(), s.SQLite.DB(), interval)
		return
	}
	h.StartLivenessChecker(ctx, nil, s.SQLite.DB(), interval)
}

// Close closes every sink.
func (s *Sinks) Close() {
	for _, ns := range s.sinks {
		if err := ns.sink.Close(); err != nil {
			s.log.Warn("pipeline: close sink", "sink", ns.name, "error", err)
		}
	}
}

// Observe attaches counters, health updates and event records to d.
// m and h may be nil.
func Observe(ctx context.Context, d *agg.Dispatcher, l *slog.Logger, m *metrics.Metrics, h *metrics.HealthStatus) {
	d.OnTick = func(t model.Tick) {
		if m != nil {
			m.TicksTotal.Inc()
		}
		if h != nil {
			h.SetLastTickTime(time.Now())
		}
	}
	d.OnReject = func(t model.Tick, tf model.Timeframe, r agg.RejectReason) {
		if m != nil {
			m.TickRejects.WithLabelValues(string(r)).Inc()
		}
		logger.Event(ctx, l, "TICK_REJECTED", logger.LayerAggregator, t.Symbol, string(tf),
			"reason", string(r), "price", t.Price, "tick_ts", t.TickTS)
	}
	d.OnClose = func(b model.Bar, res validate.Result) {
		tf := string(b.Timeframe())
		if !res.Valid {
			if m != nil {
				m.BarsDropped.WithLabelValues(tf, string(res.Reason)).Inc()
			}
			logger.Event(ctx, l, "CANDLE_DROPPED", logger.LayerValidation, b.Symbol(), tf,
				"reason", string(res.Reason), "open_time", b.OpenTime())
			return
		}
		if m != nil {
			m.BarsEmitted.WithLabelValues(tf, string(b.Mode())).Inc()
			m.BarLag.Set(time.Since(b.CloseTime()).Seconds())
		}
		if h != nil {
			h.SetLastBarTime(b.CloseTime())
		}
		logger.Event(ctx, l, "CANDLE_CLOSED", logger.LayerAggregator, b.Symbol(), tf,
			"open_time", b.OpenTime(), "open", b.Open(), "high", b.High(), "low", b.Low(),
			"close", b.Close(), "volume", b.Volume(), "trades", b.Trades())
	}
	d.OnDroppedBar = func(b model.Bar) {
		if m != nil {
			m.BarChanDrops.Inc()
		}
	}
}

// NewFanOut returns a fan-out whose drops are counted per subscriber.
func NewFanOut(bufSize int, l *slog.Logger, m *metrics.Metrics) *bus.FanOut {
	f := bus.New(bufSize)
	f.OnDrop = func(subscriber string, b model.Bar) {
		if m != nil {
			m.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
		}
		l.Warn("pipeline: sink lagging, bar dropped", "sink", subscriber, "key", b.Key())
	}
	return f
}

// Run drives ticks through d into the sinks until tickCh is closed or ctx is
// cancelled, then waits for every sink to flush.
func Run(ctx context.Context, d *agg.Dispatcher, tickCh <-chan model.Tick, f *bus.FanOut, s *Sinks, barBuffer int) {
	barCh := make(chan model.Bar, barBuffer)
	s.Start(ctx, f)

	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		f.Run(ctx, barCh)
	}()

	d.Run(ctx, tickCh, barCh)
	close(barCh)
	<-fanoutDone
	s.Wait()
}
