// cmd/replay feeds a recorded JSON-lines tick file through the bar pipeline
// into the configured sinks.
//
// Usage:
//
//	go run ./cmd/replay --file=ticks.jsonl --speed=100 --tf=1m,15m
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
	"barengine/internal/marketdata/agg"
	"barengine/internal/marketdata/replay"
	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/internal/pipeline"
)

func main() {
	file := flag.String("file", "", "JSON-lines tick file")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	tfArg := flag.String("tf", "", "Comma-separated timeframes (default: ENGINE_TIMEFRAMES)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("replay", logger.ParseLevel(cfg.LogLevel))
	if *tfArg != "" {
		cfg.Engine.Timeframes = strings.Split(*tfArg, ",")
	}
	if err := run(cfg, log, *file, *speed); err != nil {
		log.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, path string, speed float64) error {
	if path == "" {
		return fmt.Errorf("--file is required")
	}
	tfs, err := cfg.ParseTimeframes()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithSessionID(ctx, logger.NewSessionID())

	prom := metrics.NewMetrics(prometheus.NewRegistry())
	sinks, err := pipeline.OpenSinks(ctx, cfg, log, prom, nil)
	if err != nil {
		return err
	}
	defer sinks.Close()

	d, err := agg.NewDispatcher(tfs, model.ModeLive, time.Now)
	if err != nil {
		return err
	}
	pipeline.Observe(ctx, d, log, prom, nil)
	d.Backpressure = true
	fan := pipeline.NewFanOut(cfg.Engine.BarBuffer, log, prom)
	fan.Backpressure = true

	tickCh := make(chan model.Tick, cfg.Engine.TickBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pipeline.Run(ctx, d, tickCh, fan, sinks, cfg.Engine.BarBuffer)
	}()

	stats, err := replay.New(instruments.Default(), log).Run(ctx, f, speed, tickCh)
	close(tickCh)
	<-done

	log.Info("replay finished",
		"lines", stats.Lines, "emitted", stats.Emitted, "skipped", stats.Skipped,
		"accumulators", d.Len(), "sinks", sinks.Names())
	return err
}
