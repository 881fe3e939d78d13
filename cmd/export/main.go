// cmd/export copies stored bars for one or more symbols into a Parquet file.
// Bars are read from SQLite by default or from the Redis streams.
//
// Usage:
//
//	go run ./cmd/export --source=sqlite --symbols=SBIN --tf=15m --from=2024-06-01 --to=2024-07-01 --out=out/sbin.parquet
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"barengine/config"
	"barengine/internal/logger"
	"barengine/internal/markethours"
	"barengine/internal/model"
	parquetstore "barengine/internal/store/parquet"
	redisstore "barengine/internal/store/redis"
	sqlitestore "barengine/internal/store/sqlite"
)

const dateLayout = "2006-01-02"

func main() {
	source := flag.String("source", "sqlite", "Bar source: sqlite or redis")
	symbolsArg := flag.String("symbols", "", "Comma-separated symbols")
	tfArg := flag.String("tf", "15m", "Timeframe name or alias")
	fromArg := flag.String("from", "", "First day, YYYY-MM-DD in IST (inclusive)")
	toArg := flag.String("to", "", "Last day, YYYY-MM-DD in IST (exclusive)")
	out := flag.String("out", "bars.parquet", "Output Parquet file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("export", logger.ParseLevel(cfg.LogLevel))
	if err := run(cfg, log, *source, *symbolsArg, *tfArg, *fromArg, *toArg, *out); err != nil {
		log.Error("export failed", "error", err)
		os.Exit(1)
	}
}

func openReader(cfg *config.Config, log *slog.Logger, source string) (model.BarReader, error) {
	switch source {
	case "sqlite":
		return sqlitestore.NewReader(cfg.SQLite.Path)
	case "redis":
		return redisstore.NewReader(redisstore.ReaderConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		}, log)
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

func run(cfg *config.Config, log *slog.Logger, source, symbolsArg, tfArg, fromArg, toArg, out string) error {
	if symbolsArg == "" {
		return fmt.Errorf("--symbols is required")
	}
	tf, err := model.ParseTimeframe(tfArg)
	if err != nil {
		return err
	}
	from, err := time.ParseInLocation(dateLayout, fromArg, markethours.IST)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := time.ParseInLocation(dateLayout, toArg, markethours.IST)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	rd, err := openReader(cfg, log, source)
	if err != nil {
		return err
	}
	defer rd.Close()

	ctx := context.Background()
	var all []model.Bar
	for _, sym := range strings.Split(symbolsArg, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		bars, err := rd.ReadBars(ctx, sym, tf, from, to)
		if err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
		log.Info("read bars", "source", source, "symbol", sym, "bars", len(bars))
		all = append(all, bars...)
	}

	if err := parquetstore.WriteFile(out, all); err != nil {
		return err
	}
	log.Info("export complete", "out", out, "bars", len(all))
	return nil
}
