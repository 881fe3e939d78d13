package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/internal/store"
)

const sinkName = "sqlite"

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Re-inserting a bar with an existing (symbol, timeframe, open_time) is a no-op.
type Writer struct {
	db      *sql.DB
	log     *slog.Logger
	metrics *metrics.Metrics
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}

// New creates a new SQLite Writer, initializes the database with WAL mode and
// schema. l and m may be nil.
func New(cfg WriterConfig, l *slog.Logger, m *metrics.Metrics) (*Writer, error) {
	// Single writer connection
	db, err := open(cfg.DBPath, 1)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if l == nil {
		l = slog.Default()
	}
	l.Info("sqlite: opened database", "path", cfg.DBPath)
	return &Writer{db: db, log: l, metrics: m}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol     TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			trades     INTEGER NOT NULL,
			mode       TEXT    NOT NULL,
			is_closed  INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (symbol, timeframe, open_time)
		);
	`)
	return err
}

// RunBars reads bars from barCh and inserts them in batched transactions.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	store.RunBatched(ctx, barCh, store.DefaultBatchSize, store.DefaultFlushDelay, func(batch []model.Bar) {
		// ctx may already be cancelled when the final batch is flushed.
		n, err := w.WriteBars(context.WithoutCancel(ctx), batch)
		if err != nil {
			w.log.Error("sqlite: batch insert failed", "bars", len(batch), "error", err)
			return
		}
		w.log.Debug("sqlite: committed bars", "inserted", n, "batch", len(batch))
	})
}

// WriteBars inserts bars in a single transaction and returns how many were
// new. Existing keys are left untouched.
func (w *Writer) WriteBars(ctx context.Context, bars []model.Bar) (int, error) {
	start := time.Now()
	n, err := w.insertBatch(ctx, bars)
	dups := 0
	if err == nil {
		dups = len(bars) - n
	}
	w.metrics.ObserveBatch(sinkName, start, err, dups)
	return n, err
}

func (w *Writer) insertBatch(ctx context.Context, bars []model.Bar) (int, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO bars
			(symbol, exchange, timeframe, open_time, close_time, open, high, low, close, volume, trades, mode, is_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, b.Symbol(), b.Exchange(), string(b.Timeframe()),
			b.OpenTime().Unix(), b.CloseTime().Unix(),
			b.Open(), b.High(), b.Low(), b.Close(), b.Volume(), b.Trades(), string(b.Mode()))
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert %s: %w", b.Key(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LastOpenTime returns the open time of the newest stored bar for symbol and
// tf. ok is false when none exist.
func (w *Writer) LastOpenTime(ctx context.Context, symbol string, tf model.Timeframe) (t time.Time, ok bool, err error) {
	var ts sql.NullInt64
	err = w.db.QueryRowContext(ctx,
		`SELECT MAX(open_time) FROM bars WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, false, err
	}
	return fromUnix(ts.Int64), true, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
