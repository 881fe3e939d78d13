// Package historical loads broker-provided candles for a date range. Candles
// are never resampled or filled: each row is parsed into a historical Bar,
// run through the closing validator and kept only if it passes.
package historical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"barengine/internal/logger"
	"barengine/internal/marketdata/validate"
	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/pkg/smartconnect"
)

// MaxDays is the widest range the candle API serves per request, by interval.
var MaxDays = map[model.Timeframe]int{
	model.OneMinute:     30,
	model.ThreeMinute:   60,
	model.FiveMinute:    100,
	model.TenMinute:     100,
	model.FifteenMinute: 200,
	model.ThirtyMinute:  200,
	model.OneHour:       400,
	model.OneDay:        2000,
}

// ErrUnknownInterval is returned for intervals the candle API does not serve.
var ErrUnknownInterval = errors.New("historical: unsupported interval")

// CandleSource returns raw candle rows [timestamp, open, high, low, close, volume].
// *smartconnect.SmartConnect satisfies it.
type CandleSource interface {
	GetCandleData(ctx context.Context, p smartconnect.CandleParams) ([][]any, error)
}

// Request selects one instrument and range.
type Request struct {
	Exchange string
	Symbol   string
	Token    string
	Interval model.Timeframe
	From     time.Time
	To       time.Time
}

// Chunk is a sub-range no wider than the interval's MaxDays.
type Chunk struct {
	From time.Time
	To   time.Time
}

// Chunks splits [from, to) into consecutive ranges of at most maxDays days.
// An empty or inverted range yields no chunks.
func Chunks(from, to time.Time, maxDays int) []Chunk {
	if maxDays <= 0 || !from.Before(to) {
		return nil
	}
	step := time.Duration(maxDays) * 24 * time.Hour
	var out []Chunk
	for cur := from; cur.Before(to); {
		end := cur.Add(step)
		if end.After(to) {
			end = to
		}
		out = append(out, Chunk{From: cur, To: end})
		cur = end
	}
	return out
}

// Fetcher pulls candles chunk by chunk.
type Fetcher struct {
	src     CandleSource
	log     *slog.Logger
	metrics *metrics.Metrics

	// Now is the validator clock. Defaults to time.Now.
	Now func() time.Time
	// Pace is the pause between chunk requests; the API is rate limited.
	Pace time.Duration
}

// NewFetcher returns a Fetcher. l and m may be nil.
func NewFetcher(src CandleSource, l *slog.Logger, m *metrics.Metrics) *Fetcher {
	if l == nil {
		l = slog.Default()
	}
	return &Fetcher{src: src, log: l, metrics: m, Now: time.Now}
}

// Fetch returns the validated candles for req, ascending by open time with
// duplicate open times collapsed to the first seen. A failed chunk is logged
// and skipped; only an unknown interval or a cancelled ctx is an error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]model.Bar, error) {
	maxDays, ok := MaxDays[req.Interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterval, req.Interval)
	}
	dur, _ := req.Interval.Duration()
	tf := req.Interval.String()

	logger.Event(ctx, f.log, "HISTORICAL_FETCH_STARTED", logger.LayerHistorical, req.Symbol, tf,
		"from", req.From.Format(time.RFC3339), "to", req.To.Format(time.RFC3339))

	var bars []model.Bar
	for i, c := range Chunks(req.From, req.To, maxDays) {
		if i > 0 && f.Pace > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.Pace):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := f.src.GetCandleData(ctx, smartconnect.CandleParams{
			Exchange:    req.Exchange,
			SymbolToken: req.Token,
			Interval:    tf,
			From:        c.From,
			To:          c.To,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.countChunk("error")
			logger.Event(ctx, f.log, "HISTORICAL_API_ERROR", logger.LayerHistorical, req.Symbol, tf,
				"error", err.Error(), "from", c.From.Format(time.RFC3339), "to", c.To.Format(time.RFC3339))
			continue
		}
		f.countChunk("ok")
		bars = append(bars, f.convert(ctx, rows, req, dur)...)
	}

	bars = sortDedup(bars)
	logger.Event(ctx, f.log, "HISTORICAL_FETCH_COMPLETED", logger.LayerHistorical, req.Symbol, tf,
		"candle_count", len(bars))
	return bars, nil
}

func (f *Fetcher) convert(ctx context.Context, rows [][]any, req Request, dur time.Duration) []model.Bar {
	now := f.Now()
	tf := req.Interval.String()
	out := make([]model.Bar, 0, len(rows))
	for _, row := range rows {
		b, err := ParseRow(row, req.Symbol, req.Exchange, req.Interval, dur)
		if err != nil {
			f.countBar("parse_error")
			logger.Event(ctx, f.log, "HISTORICAL_CANDLE_PARSE_ERROR", logger.LayerHistorical, req.Symbol, tf,
				"error", err.Error(), "raw_row", fmt.Sprint(row))
			continue
		}
		if res := validate.Validate(b, now); !res.Valid {
			f.countBar("rejected")
			logger.Event(ctx, f.log, "HISTORICAL_CANDLE_REJECTED", logger.LayerHistorical, req.Symbol, tf,
				"reason", string(res.Reason), "timestamp", b.OpenTime().Format(time.RFC3339))
			continue
		}
		f.countBar("accepted")
		out = append(out, b)
	}
	return out
}

func (f *Fetcher) countChunk(result string) {
	if f.metrics != nil {
		f.metrics.HistoricalChunks.WithLabelValues(result).Inc()
	}
}

func (f *Fetcher) countBar(result string) {
	if f.metrics != nil {
		f.metrics.HistoricalBars.WithLabelValues(result).Inc()
	}
}

// ParseRow converts one raw candle row into a closed historical Bar. The
// timestamp must carry a zone offset. Trades is always 0: the API does not
// report trade counts.
func ParseRow(row []any, symbol, exchange string, tf model.Timeframe, dur time.Duration) (model.Bar, error) {
	if len(row) != 6 {
		return model.Bar{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}
	s, ok := row[0].(string)
	if !ok {
		return model.Bar{}, fmt.Errorf("timestamp: not a string: %v", row[0])
	}
	ts, naive, err := model.ParseTickTime(s)
	if err != nil {
		return model.Bar{}, fmt.Errorf("timestamp: %w", err)
	}
	if naive {
		return model.Bar{}, fmt.Errorf("timestamp %q has no zone offset", s)
	}

	var vals [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := range vals {
		if vals[i], err = toFloat(row[i+1]); err != nil {
			return model.Bar{}, fmt.Errorf("%s: %w", names[i], err)
		}
	}

	open := ts.In(markethours.IST)
	return model.NewBar(model.BarFields{
		Symbol:    symbol,
		Exchange:  exchange,
		Timeframe: tf,
		OpenTime:  open,
		CloseTime: open.Add(dur),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Trades:    0,
		Mode:      model.ModeHistorical,
	}), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case nil:
		return math.NaN(), nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

func sortDedup(bars []model.Bar) []model.Bar {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].OpenTime().Before(bars[j].OpenTime())
	})
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.OpenTime().Equal(out[len(out)-1].OpenTime()) {
			continue
		}
		out = append(out, b)
	}
	return out
}
