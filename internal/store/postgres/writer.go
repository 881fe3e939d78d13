// Package postgres persists closed bars to PostgreSQL. Inserts are keyed on
// (symbol, timeframe, open_time) and a second insert of the same bar is a
// no-op.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/internal/store"
)

const sinkName = "postgres"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS bars (
    symbol     TEXT             NOT NULL,
    exchange   TEXT             NOT NULL,
    timeframe  TEXT             NOT NULL,
    open_time  TIMESTAMPTZ      NOT NULL,
    close_time TIMESTAMPTZ      NOT NULL,
    open       DOUBLE PRECISION NOT NULL,
    high       DOUBLE PRECISION NOT NULL,
    low        DOUBLE PRECISION NOT NULL,
    close      DOUBLE PRECISION NOT NULL,
    volume     DOUBLE PRECISION NOT NULL,
    trades     BIGINT           NOT NULL,
    mode       TEXT             NOT NULL,
    PRIMARY KEY (symbol, timeframe, open_time)
)`

const insertBarSQL = `
INSERT INTO bars (
    symbol, exchange, timeframe,
    open_time, close_time,
    open, high, low, close, volume,
    trades, mode
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (symbol, timeframe, open_time) DO NOTHING`

// conn is the subset of *pgxpool.Pool the writer uses.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Writer inserts bars into the bars table.
type Writer struct {
	db      conn
	pool    *pgxpool.Pool
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New connects to dsn, creates the bars table if needed and returns a Writer.
func New(ctx context.Context, dsn string, l *slog.Logger, m *metrics.Metrics) (*Writer, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	w := newWriter(pool, l, m)
	w.pool = pool

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	w.log.Info("postgres: connected")
	return w, nil
}

func newWriter(db conn, l *slog.Logger, m *metrics.Metrics) *Writer {
	if l == nil {
		l = slog.Default()
	}
	return &Writer{db: db, log: l, metrics: m}
}

// Migrate creates the bars table.
func (w *Writer) Migrate(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// RunBars batches bars from barCh and writes them. Blocks until barCh is
// closed or ctx is cancelled; pending bars are flushed before returning.
func (w *Writer) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	flushCtx := context.WithoutCancel(ctx)
	store.RunBatched(ctx, barCh, store.DefaultBatchSize, store.DefaultFlushDelay, func(bars []model.Bar) {
		if _, err := w.WriteBars(flushCtx, bars); err != nil {
			w.log.Error("postgres: batch write failed", "bars", len(bars), "error", err)
		}
	})
}

// WriteBars inserts bars in one round trip and returns how many were new.
func (w *Writer) WriteBars(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	start := time.Now()

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(insertBarSQL, insertArgs(b)...)
	}
	results := w.db.SendBatch(ctx, batch)

	inserted := 0
	var err error
	for _, b := range bars {
		tag, execErr := results.Exec()
		if execErr != nil {
			err = fmt.Errorf("insert %s: %w", b.Key(), execErr)
			break
		}
		inserted += int(tag.RowsAffected())
	}
	if closeErr := results.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("postgres batch: %w", closeErr)
	}

	dups := 0
	if err == nil {
		dups = len(bars) - inserted
	}
	w.metrics.ObserveBatch(sinkName, start, err, dups)
	return inserted, err
}

func insertArgs(b model.Bar) []any {
	return []any{
		b.Symbol(), b.Exchange(), string(b.Timeframe()),
		b.OpenTime(), b.CloseTime(),
		b.Open(), b.High(), b.Low(), b.Close(), b.Volume(),
		b.Trades(), string(b.Mode()),
	}
}

// LastOpenTime returns the newest stored open time for symbol and tf in IST.
// ok is false when nothing is stored.
func (w *Writer) LastOpenTime(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, bool, error) {
	var t *time.Time
	err := w.db.QueryRow(ctx,
		`SELECT MAX(open_time) FROM bars WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf)).Scan(&t)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("postgres last open time: %w", err)
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return t.In(markethours.IST), true, nil
}

// PingContext satisfies metrics.Pinger for the liveness checker.
func (w *Writer) PingContext(ctx context.Context) error {
	return w.db.Ping(ctx)
}

// Close closes the connection pool.
func (w *Writer) Close() error {
	if w.pool != nil {
		w.pool.Close()
	}
	return nil
}
