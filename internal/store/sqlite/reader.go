package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

// Reader provides read-only access to stored bars for export and inspection.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath, 2)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	return &Reader{db: db}, nil
}

func fromUnix(s int64) time.Time {
	return time.Unix(s, 0).In(markethours.IST)
}

// ReadBars returns bars for symbol and tf with open_time in [from, to),
// ordered by open_time ascending.
func (r *Reader) ReadBars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, exchange, timeframe, open_time, close_time, open, high, low, close, volume, trades, mode
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`, symbol, string(tf), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var (
			f               model.BarFields
			tf, mode        string
			openTS, closeTS int64
		)
		if err := rows.Scan(&f.Symbol, &f.Exchange, &tf, &openTS, &closeTS,
			&f.Open, &f.High, &f.Low, &f.Close, &f.Volume, &f.Trades, &mode); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		f.Timeframe = model.Timeframe(tf)
		f.Mode = model.Mode(mode)
		f.OpenTime, f.CloseTime = fromUnix(openTS), fromUnix(closeTS)
		bars = append(bars, model.NewBar(f))
	}
	return bars, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
