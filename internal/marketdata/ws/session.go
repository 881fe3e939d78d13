package ws

import (
	"context"
	"fmt"
	"log/slog"

	"barengine/internal/instruments"
	"barengine/internal/logger"
	"barengine/internal/metrics"
	"barengine/internal/model"
)

// Credentials supplies the tokens of a logged-in broker session and can
// refresh them without a new TOTP login.
type Credentials interface {
	AccessToken() string
	FeedToken() string
	RenewAccessToken(ctx context.Context) error
}

// Session keeps one trading day's feed running. When the feed spends its
// reconnect budget (usually an expired JWT) the tokens are renewed and a
// fresh feed is started, at most MaxRenewals times.
type Session struct {
	Config      IngestConfig
	Creds       Credentials
	Registry    *instruments.Registry
	MaxRenewals int
	Log         *slog.Logger
	Metrics     *metrics.Metrics

	// OnIngest is called with every new Ingest before it starts, so callers
	// can attach hooks.
	OnIngest func(ing *Ingest)

	start func(ctx context.Context, ing *Ingest, tickCh chan<- model.Tick) error
}

// Run blocks until ctx ends, the renewal budget is spent, or a renewal fails.
func (s *Session) Run(ctx context.Context, tickCh chan<- model.Tick) error {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	start := s.start
	if start == nil {
		start = func(ctx context.Context, ing *Ingest, tickCh chan<- model.Tick) error {
			return ing.Start(ctx, tickCh)
		}
	}

	for renewals := 0; ; renewals++ {
		cfg := s.Config
		cfg.Feed.AuthToken = s.Creds.AccessToken()
		cfg.Feed.FeedToken = s.Creds.FeedToken()
		ing, err := New(cfg, s.Registry, s.Log, s.Metrics)
		if err != nil {
			return err
		}
		if s.OnIngest != nil {
			s.OnIngest(ing)
		}

		err = start(ctx, ing, tickCh)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		if renewals >= s.MaxRenewals {
			return err
		}

		logger.Event(ctx, s.Log, "SESSION_TOKEN_RENEWAL", logger.LayerIngestion, "SYSTEM", "",
			"error", err.Error(), "attempt", renewals+1)
		if rerr := s.Creds.RenewAccessToken(ctx); rerr != nil {
			return fmt.Errorf("ws session: renew tokens after %v: %w", err, rerr)
		}
	}
}
