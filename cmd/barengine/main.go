package main

import (
	"context"
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
	"barengine/internal/marketdata/closedetector"
	"barengine/internal/marketdata/ws"
	"barengine/internal/marketdata/wssim"
	"barengine/internal/markethours"
	"barengine/internal/metrics"
	"barengine/internal/model"
	"barengine/internal/pipeline"
	"barengine/pkg/smartconnect"
)

const (
	retryDelay       = 30 * time.Second
	maxTokenRenewals = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("barengine", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithSessionID(ctx, logger.NewSessionID())

	tfs, err := cfg.ParseTimeframes()
	if err != nil {
		log.Error("invalid timeframes", "error", err)
		os.Exit(1)
	}
	staging := strings.EqualFold(cfg.Engine.Feed, "staging")
	if !staging {
		if err := cfg.RequireAngel(); err != nil {
			log.Error("missing credentials", "error", err)
			os.Exit(1)
		}
	}

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

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	tfNames := make([]string, len(tfs))
	for i, tf := range tfs {
		tfNames[i] = string(tf)
	}
	health.SetTimeframes(tfNames)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Sinks ----
	sinks, err := pipeline.OpenSinks(ctx, cfg, log, prom, health)
	if err != nil {
		log.Error("sink init failed", "error", err)
		os.Exit(1)
	}
	defer sinks.Close()
	sinks.StartLiveness(ctx, health, 10*time.Second)

	// ---- Dispatcher (single goroutine, 24/7) ----
	dispatcher, err := agg.NewDispatcher(tfs, model.ModeLive, time.Now)
	if err != nil {
		log.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}
	pipeline.Observe(ctx, dispatcher, log, prom, health)

	tickCh := make(chan model.Tick, cfg.Engine.TickBuffer)
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipeline.Run(ctx, dispatcher, tickCh, pipeline.NewFanOut(cfg.Engine.BarBuffer, log, prom), sinks, cfg.Engine.BarBuffer)
	}()

	log.Info("pipeline ready",
		"timeframes", tfNames, "instruments", len(instrs), "sinks", sinks.Names(), "feed", cfg.Engine.Feed)

	if staging {
		runStaging(ctx, cfg, reg, log, prom, health, tickCh)
	} else {
		runLive(ctx, cfg, reg, instrs, log, prom, health, tickCh)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, flushing sinks")
	<-pipelineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}

// runStaging streams JSON ticks from a relay until ctx is cancelled.
func runStaging(ctx context.Context, cfg *config.Config, reg *instruments.Registry, log *slog.Logger,
	prom *metrics.Metrics, health *metrics.HealthStatus, tickCh chan<- model.Tick) {
	ingest, err := wssim.New(wssim.Config{URL: cfg.Engine.StagingURL}, reg, log)
	if err != nil {
		log.Error("staging feed init failed", "error", err)
		os.Exit(1)
	}
	ingest.OnReconnect = func() { prom.WSReconnects.Inc() }
	ingest.OnConnected = health.SetWSConnected

	log.Info("staging tick source", "url", cfg.Engine.StagingURL)
	if err := ingest.Start(ctx, tickCh); err != nil {
		log.Error("staging feed stopped", "error", err)
	}
	health.SetWSConnected(false)
}

// runLive logs in fresh for every trading session at the pre-open warm-up,
// streams the broker feed from one minute before the open until the closing
// detector releases it, then sleeps until the next session.
func runLive(ctx context.Context, cfg *config.Config, reg *instruments.Registry, instrs []model.Instrument,
	log *slog.Logger, prom *metrics.Metrics, health *metrics.HealthStatus, tickCh chan<- model.Tick) {
	for {
		now := time.Now()
		if !markethours.IsMarketOpen(now) {
			prom.MarketState.Set(0)
			loginAt := markethours.NextPreOpen(now)
			log.Info("market closed", "status", markethours.StatusString(now),
				"login_at", loginAt.In(markethours.IST).Format("Mon 15:04"))
			if !sleepCtx(ctx, loginAt.Sub(now)) {
				return
			}
		}

		sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.Angel.APIKey})
		if err := sc.LoginTOTP(ctx, cfg.Angel.ClientCode, cfg.Angel.Password, cfg.Angel.TOTPSecret); err != nil {
			log.Error("login failed, retrying", "error", err, "retry_in", retryDelay)
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			continue
		}
		log.Info("session ready", "client", sc.UserID())

		if now := time.Now(); !markethours.IsMarketOpen(now) {
			connectAt := markethours.WSConnectTime(markethours.NextOpen(now))
			if !sleepCtx(ctx, connectAt.Sub(now)) {
				terminate(ctx, sc, log)
				return
			}
		}

		detector := closedetector.New(markethours.TodayClose(time.Now()))
		wsCtx, wsCancel := context.WithDeadline(ctx, detector.Deadline())

		session := &ws.Session{
			Config: ws.IngestConfig{
				Feed:        smartconnect.FeedConfig{APIKey: sc.APIKey(), ClientCode: cfg.Angel.ClientCode},
				Instruments: instrs,
			},
			Creds:       sc,
			Registry:    reg,
			MaxRenewals: maxTokenRenewals,
			Log:         log,
			Metrics:     prom,
			OnIngest: func(ing *ws.Ingest) {
				ing.OnConnected = health.SetWSConnected
				health.SetPongSource(ing.LastPong)
			},
		}

		prom.MarketState.Set(1)
		prom.SessionTransitions.WithLabelValues("open").Inc()

		rawCh := make(chan model.Tick, cfg.Engine.TickBuffer)
		go func() {
			reason := detector.Forward(wsCtx, rawCh, tickCh, nil)
			if reason != closedetector.ReasonNone {
				logger.Event(ctx, log, "SESSION_RELEASED", logger.LayerIngestion, "SYSTEM", "",
					"reason", string(reason), "closing_price", detector.ClosingPrice())
			}
			wsCancel()
		}()

		if err := session.Run(wsCtx, rawCh); err != nil {
			log.Warn("ws session ended", "error", err)
			prom.SessionTransitions.WithLabelValues("ws_disconnect").Inc()
		}
		wsCancel()
		health.SetWSConnected(false)
		health.SetPongSource(nil)
		prom.MarketState.Set(0)
		prom.SessionTransitions.WithLabelValues("close").Inc()

		terminate(ctx, sc, log)
		if ctx.Err() != nil {
			return
		}
	}
}

// terminate logs the broker session out, even after ctx was cancelled.
func terminate(ctx context.Context, sc *smartconnect.SmartConnect, log *slog.Logger) {
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sc.TerminateSession(logoutCtx); err != nil {
		log.Warn("logout failed", "error", err)
	}
}

// sleepCtx waits for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
