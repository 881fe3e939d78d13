package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bar engine.
type Metrics struct {
	TicksTotal    prometheus.Counter
	TickRejects   *prometheus.CounterVec // labels: reason
	BarsEmitted   *prometheus.CounterVec // labels: tf, mode
	BarsDropped   *prometheus.CounterVec // labels: tf, reason
	BarChanDrops  prometheus.Counter
	BarLag        prometheus.Gauge
	WSReconnects  prometheus.Counter
	SinkWriteDur  *prometheus.HistogramVec // labels: sink
	SinkErrors    *prometheus.CounterVec   // labels: sink
	SinkDuplicate *prometheus.CounterVec   // labels: sink

	// Backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Historical loads
	HistoricalChunks *prometheus.CounterVec // labels: result=ok|error
	HistoricalBars   *prometheus.CounterVec // labels: result=accepted|rejected|parse_error

	// Market session state
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close|ws_disconnect
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_ticks_total",
			Help: "Total ticks offered to the dispatcher",
		}),
		TickRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_tick_rejects_total",
			Help: "Ticks refused at admission, by reason",
		}, []string{"reason"}),
		BarsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_bars_emitted_total",
			Help: "Closed bars that passed validation",
		}, []string{"tf", "mode"}),
		BarsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_bars_dropped_total",
			Help: "Closed bars rejected by the validator, by reason",
		}, []string{"tf", "reason"}),
		BarChanDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_bar_channel_drops_total",
			Help: "Valid bars lost because the output channel was full",
		}),
		BarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_bar_lag_seconds",
			Help: "Lag between bar close_time and emission time",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		SinkWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barengine_sink_write_duration_seconds",
			Help:    "Bar sink write latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_sink_errors_total",
			Help: "Failed bar writes per sink",
		}, []string{"sink"}),
		SinkDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_sink_duplicates_total",
			Help: "Bar writes ignored because the natural key already existed",
		}, []string{"sink"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_fanout_drops_total",
			Help: "Bars dropped by FanOut bus per subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		HistoricalChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_historical_chunks_total",
			Help: "Historical range chunks fetched, by result",
		}, []string{"result"}),
		HistoricalBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_historical_bars_total",
			Help: "Historical rows processed, by result",
		}, []string{"result"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_session_transitions_total",
			Help: "Market session transitions (open, close, ws_disconnect)",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickRejects,
		m.BarsEmitted,
		m.BarsDropped,
		m.BarChanDrops,
		m.BarLag,
		m.WSReconnects,
		m.SinkWriteDur,
		m.SinkErrors,
		m.SinkDuplicate,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.HistoricalChunks,
		m.HistoricalBars,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// ObserveSink records one sink write. dup marks a no-op re-insert.
func (m *Metrics) ObserveSink(sink string, start time.Time, err error, dup bool) {
	n := 0
	if dup {
		n = 1
	}
	m.ObserveBatch(sink, start, err, n)
}

// ObserveBatch records one batched sink write in which dups rows were
// already present.
func (m *Metrics) ObserveBatch(sink string, start time.Time, err error, dups int) {
	if m == nil {
		return
	}
	m.SinkWriteDur.WithLabelValues(sink).Observe(time.Since(start).Seconds())
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
	}
	if dups > 0 {
		m.SinkDuplicate.WithLabelValues(sink).Add(float64(dups))
	}
}

// Pinger is satisfied by *sql.DB and *pgxpool.Pool wrappers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	StoreOK        bool      `json:"store_ok"`
	Timeframes     []string  `json:"timeframes"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	lastPong func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

// SetPongSource registers the live feed's heartbeat clock. nil clears it.
func (h *HealthStatus) SetPongSource(fn func() time.Time) {
	h.mu.Lock()
	h.lastPong = fn
	h.mu.Unlock()
}

func (h *HealthStatus) SetTimeframes(tfs []string) {
	h.mu.Lock()
	h.Timeframes = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStore pings the primary bar store and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db Pinger) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, store Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if store != nil {
					h.CheckStore(probeCtx, store)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	if !h.WSConnected || !h.StoreOK || redisDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StoreOK && (redisDown || !h.RedisEnabled) {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	lastPong := ""
	if h.lastPong != nil {
		if p := h.lastPong(); !p.IsZero() {
			lastPong = p.Format(time.RFC3339)
		}
	}

	status := struct {
		Status         string   `json:"status"`
		Uptime         string   `json:"uptime"`
		WSConnected    bool     `json:"ws_connected"`
		LastTickTime   string   `json:"last_tick_time"`
		TickAge        string   `json:"tick_age"`
		LastBarTime    string   `json:"last_bar_time"`
		LastPong       string   `json:"last_pong"`
		RedisEnabled   bool     `json:"redis_enabled"`
		RedisConnected bool     `json:"redis_connected"`
		RedisLatencyMs float64  `json:"redis_latency_ms"`
		StoreOK        bool     `json:"store_ok"`
		StoreLatencyMs float64  `json:"store_latency_ms"`
		Timeframes     []string `json:"timeframes"`
		LastCheckAt    string   `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		LastBarTime:    h.LastBarTime.Format(time.RFC3339),
		LastPong:       lastPong,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		Timeframes:     h.Timeframes,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
