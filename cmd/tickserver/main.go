// cmd/tickserver is the staging tick relay. It broadcasts ticks in the
// model.Tick JSON format on /ws so the bar engine can run with
// ENGINE_FEED=staging and no broker credentials.
//
// Ticks come from a random walk over ENGINE_SYMBOLS, or from a recorded
// JSON-lines file when TICKSERVER_FILE is set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barengine/config"
	"barengine/internal/instruments"
	"barengine/internal/logger"
	"barengine/internal/marketdata/replay"
	"barengine/internal/marketdata/tickrelay"
	"barengine/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("tickserver", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := instruments.Default()
	symbols := cfg.Engine.Symbols
	if len(symbols) == 0 {
		symbols = reg.Symbols()
	}
	instrs, err := reg.Subset(symbols)
	if err != nil {
		log.Error("invalid symbols", "error", err)
		os.Exit(1)
	}

	hub := tickrelay.NewHub(log)
	ts := cfg.TickServer
	if ts.File != "" {
		go replayFile(ctx, log, hub, reg, ts.File, ts.Speed)
	} else {
		gen := tickrelay.NewGenerator(instrs, ts.StartPrice, time.Now().UnixNano())
		go hub.RunGenerator(ctx, gen, ts.Interval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", hub.Clients())
	})
	srv := &http.Server{Addr: ts.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("tickserver listening", "addr", ts.Addr, "instruments", len(instrs), "file", ts.File)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func replayFile(ctx context.Context, log *slog.Logger, hub *tickrelay.Hub, reg *instruments.Registry, path string, speed float64) {
	f, err := os.Open(path)
	if err != nil {
		log.Error("open tick file", "error", err)
		return
	}
	defer f.Close()

	ch := make(chan model.Tick, 1024)
	go hub.Pump(ctx, ch)
	stats, err := replay.New(reg, log).Run(ctx, f, speed, ch)
	close(ch)
	log.Info("tick file finished", "lines", stats.Lines, "emitted", stats.Emitted, "skipped", stats.Skipped, "error", err)
}
