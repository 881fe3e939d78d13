// cmd/historical loads historical bars from SmartAPI, validates them with the
// same rules as live bars and stores them.
//
// Usage:
//
//	go run ./cmd/historical --symbols=SBIN,TCS --tf=15m --from=2024-06-01 --to=2024-07-01 --parquet=out/bars.parquet
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"barengine/config"
	"barengine/internal/instruments"
	"barengine/internal/logger"
	"barengine/internal/marketdata/historical"
	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	parquetstore "barengine/internal/store/parquet"
	pgstore "barengine/internal/store/postgres"
	sqlitestore "barengine/internal/store/sqlite"
	"barengine/pkg/smartconnect"
)

const dateLayout = "2006-01-02"

func main() {
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols (default: ENGINE_SYMBOLS or the whole registry)")
	tfFlag := flag.String("tf", "15m", "Timeframe name or alias")
	fromFlag := flag.String("from", "", "First day, YYYY-MM-DD in IST (inclusive)")
	toFlag := flag.String("to", "", "Last day, YYYY-MM-DD in IST (exclusive)")
	parquetPath := flag.String("parquet", "", "Also write all fetched bars to this Parquet file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("historical", logger.ParseLevel(cfg.LogLevel))
	if err := run(cfg, log, *symbolsFlag, *tfFlag, *fromFlag, *toFlag, *parquetPath); err != nil {
		log.Error("historical load failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, symbolsArg, tfArg, fromArg, toArg, parquetPath string) error {
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
	if !from.Before(to) {
		return fmt.Errorf("--from must be before --to")
	}
	if err := cfg.RequireAngel(); err != nil {
		return err
	}

	reg := instruments.Default()
	symbols := cfg.Engine.Symbols
	if symbolsArg != "" {
		symbols = strings.Split(symbolsArg, ",")
	}
	if len(symbols) == 0 {
		symbols = reg.Symbols()
	}
	instrs, err := reg.Subset(symbols)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithSessionID(ctx, logger.NewSessionID())

	prom := metrics.NewMetrics(prometheus.NewRegistry())

	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.Angel.APIKey})
	if err := sc.LoginTOTP(ctx, cfg.Angel.ClientCode, cfg.Angel.Password, cfg.Angel.TOTPSecret); err != nil {
		return err
	}
	defer func() {
		if err := sc.TerminateSession(context.WithoutCancel(ctx)); err != nil {
			log.Warn("logout failed", "error", err)
		}
	}()

	var writers []model.BarBatchWriter
	sw, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path}, log, prom)
	if err != nil {
		return err
	}
	defer sw.Close()
	writers = append(writers, sw)

	if cfg.Postgres.DSN != "" {
		pw, err := pgstore.New(ctx, cfg.Postgres.DSN, log, prom)
		if err != nil {
			return err
		}
		defer pw.Close()
		writers = append(writers, pw)
	}

	fetcher := historical.NewFetcher(sc, log, prom)
	var all []model.Bar
	for _, inst := range instrs {
		bars, err := fetcher.Fetch(ctx, historical.Request{
			Exchange: inst.Exchange,
			Symbol:   inst.Symbol,
			Token:    inst.Token,
			Interval: tf,
			From:     from,
			To:       to,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", inst.Symbol, err)
		}
		for _, w := range writers {
			n, err := w.WriteBars(ctx, bars)
			if err != nil {
				return fmt.Errorf("%s: store: %w", inst.Symbol, err)
			}
			log.Info("stored historical bars", "symbol", inst.Symbol, "fetched", len(bars), "new", n)
		}
		if parquetPath != "" {
			all = append(all, bars...)
		}
	}

	if parquetPath != "" {
		if err := parquetstore.WriteFile(parquetPath, all); err != nil {
			return err
		}
		log.Info("wrote parquet", "path", parquetPath, "bars", len(all))
	}
	return nil
}
