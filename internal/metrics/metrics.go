// Package metrics exposes Prometheus counters/gauges for the harvester
// and an HTTP server serving /metrics and /healthz, covering the
// boundary-cycle, write-pipeline, and reconnect concerns.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksLate        prometheus.Counter
	TicksFuture      prometheus.Counter
	ParseErrors      prometheus.Counter
	WindowsFinalized prometheus.Counter
	GapFilledBars    prometheus.Counter
	UnfillableBars   prometheus.Counter

	ATRWarmupInstruments prometheus.Gauge
	ATRClampEvents       prometheus.Counter
	ATRJumpWarnings      prometheus.Counter

	WriteQueueDepth   prometheus.Gauge
	WriteDedupSkipped prometheus.Counter
	WriteRetries      prometheus.Counter
	WriteSpoolSize    prometheus.Gauge
	WriteOK           prometheus.Counter

	CheckpointAge       prometheus.Gauge
	CheckpointSaveTotal prometheus.Counter
	ReconcileSource     *prometheus.GaugeVec // labels: source

	ReconnectAttempts prometheus.Counter
	ReconnectsOK      prometheus.Counter

	FeedCallbackLatencyP99 prometheus.Gauge
	FeedCallbackLatencyMax prometheus.Gauge

	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_total", Help: "Total ticks accepted into the active window",
		}),
		TicksLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_late_total", Help: "Ticks dropped because the window was frozen or already elapsed",
		}),
		TicksFuture: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_ticks_future_total", Help: "Ticks dropped because they arrived for a window not yet active",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_tick_parse_errors_total", Help: "Feed messages that failed to decode",
		}),
		WindowsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_windows_finalized_total", Help: "Five-minute windows finalized",
		}),
		GapFilledBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_gap_filled_bars_total", Help: "Flat bars synthesized for silent instruments",
		}),
		UnfillableBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_unfillable_bars_total", Help: "Instruments silent with no prior close to gap-fill from",
		}),
		ATRWarmupInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_atr_warmup_instruments", Help: "Instruments still accumulating TR history before ATR seeds",
		}),
		ATRClampEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_atr_clamp_events_total", Help: "Times a negative ATR value was clamped to zero",
		}),
		ATRJumpWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_atr_jump_warnings_total", Help: "Times ATR more than tripled window over window",
		}),
		WriteQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_write_queue_depth", Help: "Batches currently queued for the writer",
		}),
		WriteDedupSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_write_dedup_skipped_total", Help: "Rows skipped because their id already existed in the store",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_write_retries_total", Help: "Write attempts beyond the first for a batch",
		}),
		WriteSpoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_write_spool_batches", Help: "Batches currently sitting in the fallback spool file",
		}),
		WriteOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_write_ok_total", Help: "Batches successfully appended to the store",
		}),
		CheckpointAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_checkpoint_age_seconds", Help: "Age of the most recent checkpoint save",
		}),
		CheckpointSaveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_checkpoint_saves_total", Help: "Checkpoint saves performed",
		}),
		ReconcileSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_reconcile_source", Help: "1 if startup reconciliation chose this source, else 0",
		}, []string{"source"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_reconnect_attempts_total", Help: "Feed reconnect attempts made",
		}),
		ReconnectsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_reconnects_ok_total", Help: "Feed reconnect cycles that succeeded",
		}),
		FeedCallbackLatencyP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_feed_callback_latency_p99_us", Help: "p99 feed callback latency in microseconds, last report",
		}),
		FeedCallbackLatencyMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_feed_callback_latency_max_us", Help: "Max feed callback latency in microseconds, last report",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_market_state", Help: "Market session state (0=closed, 1=open)",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal, m.TicksLate, m.TicksFuture, m.ParseErrors,
		m.WindowsFinalized, m.GapFilledBars, m.UnfillableBars,
		m.ATRWarmupInstruments, m.ATRClampEvents, m.ATRJumpWarnings,
		m.WriteQueueDepth, m.WriteDedupSkipped, m.WriteRetries, m.WriteSpoolSize, m.WriteOK,
		m.CheckpointAge, m.CheckpointSaveTotal, m.ReconcileSource,
		m.ReconnectAttempts, m.ReconnectsOK,
		m.FeedCallbackLatencyP99, m.FeedCallbackLatencyMax,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health exposed on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	StoreOK        bool      `json:"store_ok"`
	ActiveWindow   time.Time `json:"active_window"`

	RedisLatencyMs float64   `json:"redis_latency_ms"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveWindow(t time.Time) {
	h.mu.Lock()
	h.ActiveWindow = t
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

// CheckStore runs a trivial query against the SQLite store and records
// latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
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
				if sqlDB != nil {
					h.CheckStore(probeCtx, sqlDB)
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

	if !h.FeedConnected || !h.StoreOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.StoreOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		FeedConnected  bool    `json:"feed_connected"`
		LastTickTime   string  `json:"last_tick_time"`
		TickAge        string  `json:"tick_age"`
		ActiveWindow   string  `json:"active_window"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		StoreOK        bool    `json:"store_ok"`
		StoreLatencyMs float64 `json:"store_latency_ms"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		ActiveWindow:   h.ActiveWindow.Format(time.RFC3339),
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
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
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
