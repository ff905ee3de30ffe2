// Package orchestrator wires the feed, tick buffer, aggregator, gap
// filler, ATR engine, write pipeline, checkpoint manager, and alert
// manager into the full daily session lifecycle: bootstrap, boundary-cycle
// loop, and session-end cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nse-volharvester/config"
	"nse-volharvester/internal/alerts"
	"nse-volharvester/internal/atrengine"
	"nse-volharvester/internal/calendar"
	"nse-volharvester/internal/checkpoint"
	"nse-volharvester/internal/feed"
	"nse-volharvester/internal/gapfill"
	"nse-volharvester/internal/instruments"
	"nse-volharvester/internal/logger"
	"nse-volharvester/internal/markethours"
	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/model"
	"nse-volharvester/internal/reconnect"
	"nse-volharvester/internal/rowid"

	"nse-volharvester/internal/aggregator"
	redisstore "nse-volharvester/internal/store/redis"
	"nse-volharvester/internal/tickbuffer"
	"nse-volharvester/internal/timegrid"
	"nse-volharvester/internal/writepipeline"

	"nse-volharvester/internal/store"
)

// Harvester is the daily-session orchestrator.
type Harvester struct {
	cfg        *config.Config
	cal        *calendar.Calendar
	master     *instruments.Master
	logger     *slog.Logger
	alertMgr   *alerts.Manager
	st         store.Store
	redisWrite *redisstore.Writer
	ckptMgr    *checkpoint.Manager
	metrics    *metrics.Metrics
	health     *metrics.HealthStatus

	buffer    *tickbuffer.Buffer
	agg       *aggregator.Aggregator
	gapFiller *gapfill.Filler
	atr       *atrengine.Engine
	pipeline  *writepipeline.Pipeline
	feedCli   *feed.Client
	reconnOp  *reconnect.Operator

	grid                *timegrid.Grid
	today               time.Time
	sessionOpen         time.Time
	sessionClose        time.Time
	lastFinalizedWindow time.Time
}

// Deps bundles the collaborators the orchestrator needs, constructed by
// main so credentials and connection setup stay out of this package.
type Deps struct {
	Config     *config.Config
	Calendar   *calendar.Calendar
	Master     *instruments.Master
	Logger     *slog.Logger
	Store      store.Store
	RedisWrite *redisstore.Writer
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
}

// New assembles a Harvester from its dependencies.
func New(d Deps) *Harvester {
	alertMgr := alerts.New(d.Store, d.Logger, nil)
	buffer := tickbuffer.New()
	pipeline := writepipeline.New(writepipeline.DefaultConfig(d.Config.FallbackSpoolPath), d.Store, d.Logger)
	if d.Metrics != nil {
		buffer.SetMetrics(d.Metrics)
		pipeline.SetMetrics(d.Metrics)
	}
	return &Harvester{
		cfg:        d.Config,
		cal:        d.Calendar,
		master:     d.Master,
		logger:     d.Logger,
		alertMgr:   alertMgr,
		st:         d.Store,
		redisWrite: d.RedisWrite,
		ckptMgr:    checkpoint.New(d.Config.CheckpointDir, d.Config.MaxCheckpointFiles, d.Logger),
		metrics:    d.Metrics,
		health:     d.Health,
		buffer:     buffer,
		gapFiller:  gapfill.New(d.Logger),
		atr:        atrengine.New(d.Logger, d.Metrics),
		pipeline:   pipeline,
	}
}

// Run executes one full trading day: calendar gate, bootstrap, boundary
// loop, cleanup. It blocks until the session ends or ctx is cancelled.
func (h *Harvester) Run(ctx context.Context, connectFeed func(grid *timegrid.Grid, buffer *tickbuffer.Buffer) (*feed.Client, error)) error {
	h.today = time.Now().In(calendar.IST)

	if !h.cal.IsTradingDay(h.today) {
		h.logger.Info("NON_TRADING_DAY", "date", h.today.Format("2006-01-02"))
		return nil
	}

	open, close, err := h.cal.SessionHours(h.today)
	if err != nil {
		return fmt.Errorf("orchestrator: session hours: %w", err)
	}
	h.sessionOpen, h.sessionClose = open, close
	h.grid = timegrid.New(open, close, h.cfg.CandleInterval())
	h.logger.Info("SESSION_HOURS", "open", open, "close", close)

	if err := h.bootstrap(ctx, connectFeed); err != nil {
		return err
	}

	h.runSession(ctx)
	h.cleanup(ctx)
	return nil
}

func (h *Harvester) bootstrap(ctx context.Context, connectFeed func(grid *timegrid.Grid, buffer *tickbuffer.Buffer) (*feed.Client, error)) error {
	h.logger.Info("PHASE: store init")
	if err := h.st.Init(ctx); err != nil {
		return fmt.Errorf("bootstrap: store init: %w", err)
	}

	h.logger.Info("PHASE: startup reconciliation")
	local, err := h.ckptMgr.Load()
	if err != nil {
		h.logger.Warn("checkpoint load failed, treating as absent", "error", err)
	}
	reconciled, source, err := checkpoint.Reconcile(ctx, local, h.st, h.logger)
	if err != nil {
		return fmt.Errorf("bootstrap: reconcile: %w", err)
	}
	h.atr.LoadState(reconciled)
	h.logger.Info("ATR_STATE_RESTORED", "source", source, "instruments", len(reconciled))
	if h.metrics != nil {
		h.metrics.ReconcileSource.WithLabelValues(string(source)).Set(1)
	}

	h.alertMgr.Fire(ctx, alerts.Info, map[string]any{
		"event": "SESSION_START", "date": h.today.Format("2006-01-02"), "state_source": string(source),
	})

	h.agg = aggregator.New(h.buffer, h.master.Symbols(), h.logger)

	h.logger.Info("PHASE: write pipeline")
	go h.pipeline.Run(ctx)

	h.logger.Info("PHASE: feed connect")
	feedCli, err := connectFeed(h.grid, h.buffer)
	if err != nil {
		return fmt.Errorf("bootstrap: feed connect: %w", err)
	}
	h.feedCli = feedCli
	h.reconnOp = reconnect.New(reconnect.Config{
		BaseDelay:      time.Duration(h.cfg.ReconnectBaseDelaySeconds * float64(time.Second)),
		MaxDelay:       time.Duration(h.cfg.ReconnectMaxDelaySeconds * float64(time.Second)),
		BackoffFactor:  h.cfg.ReconnectBackoffFactor,
		MaxAttempts:    h.cfg.ReconnectMaxAttempts,
		Jitter:         h.cfg.ReconnectJitter,
		AlertThreshold: h.cfg.ReconnectAlertThreshold,
	}, h.alertMgr)

	if h.health != nil {
		h.health.SetFeedConnected(true)
	}

	return nil
}

// runSession walks the precomputed finalization boundaries, skipping any
// already elapsed, and runs the freeze/finalize/ATR/write/checkpoint
// cycle at each remaining one.
func (h *Harvester) runSession(ctx context.Context) {
	boundaries := h.grid.Boundaries()
	finalizations := h.grid.FinalizationTimes()

	now := time.Now().In(calendar.IST)
	startIdx := len(finalizations)
	for i, f := range finalizations {
		if f.After(now) {
			startIdx = i
			break
		}
	}
	if startIdx > 0 {
		h.logger.Info("SKIPPING_PAST_BOUNDARIES", "count", startIdx)
	}
	if startIdx >= len(boundaries) {
		return
	}

	h.agg.StartWindow(boundaries[startIdx])
	if h.health != nil {
		h.health.SetActiveWindow(boundaries[startIdx])
	}

	lastLatencyReport := time.Now()
	const latencyReportInterval = 60 * time.Second

	for i := startIdx; i < len(finalizations); i++ {
		boundary := finalizations[i]
		var nextWindow time.Time
		hasNext := i+1 < len(boundaries)
		if hasNext {
			nextWindow = boundaries[i+1]
		}

		for {
			remaining := time.Until(boundary)
			if remaining <= 0 {
				break
			}

			if !h.feedCli.CheckHeartbeat() {
				h.triggerReconnect(ctx)
			}

			if time.Since(lastLatencyReport) > latencyReportInterval {
				rep := h.feedCli.LatencyReport()
				if rep.SampleCount > 0 {
					h.logger.Info("LATENCY_REPORT", "p50_us", rep.P50, "p95_us", rep.P95, "p99_us", rep.P99, "max_us", rep.Max, "samples", rep.SampleCount)
					if h.metrics != nil {
						h.metrics.FeedCallbackLatencyP99.Set(rep.P99)
						h.metrics.FeedCallbackLatencyMax.Set(rep.Max)
					}
				}
				lastLatencyReport = time.Now()
			}

			sleep := remaining
			if sleep > time.Second {
				sleep = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}

		if ctx.Err() != nil {
			return
		}
		h.finalizeAtBoundary(ctx, nextWindow, hasNext)
	}

	h.logger.Info("SESSION_COMPLETE")
}

// finalizeAtBoundary runs the freeze -> sleep(grace) -> finalize ->
// gap-fill -> ATR -> enqueue -> checkpoint -> sync -> transition sequence.
func (h *Harvester) finalizeAtBoundary(ctx context.Context, nextWindow time.Time, hasNext bool) {
	h.agg.BeginFreeze()

	select {
	case <-ctx.Done():
		return
	case <-time.After(h.cfg.WindowFreeze()):
	}

	windowStart, bars := h.agg.FinalizeWindow()
	if windowStart.IsZero() {
		h.logger.Warn("EMPTY_FINALIZATION")
		if hasNext {
			h.agg.TransitionToNextWindow(nextWindow)
		}
		return
	}

	// One trace id per boundary cycle so every log line touching this
	// window's finalize/ATR/write/checkpoint sequence can be correlated.
	traceID := logger.GenerateTraceID(windowStart.Format("20060102T1504"), time.Now())
	ctx = logger.WithTraceID(ctx, traceID)
	log := h.logger.With(logger.LogWithTrace(ctx)...)

	unfillable := h.gapFiller.Fill(bars, h.master.Symbols(), windowStart)
	if h.metrics != nil {
		for _, b := range bars {
			if b.GapFilled {
				h.metrics.GapFilledBars.Inc()
			}
		}
		h.metrics.UnfillableBars.Add(float64(len(unfillable)))
		h.metrics.WindowsFinalized.Inc()
	}
	if len(unfillable) > 0 {
		log.Warn("UNFILLABLE_SYMBOLS", "window", windowStart, "symbols", unfillable)
	}

	segments := make(map[string]string, len(bars))
	for symbol := range bars {
		segments[symbol] = h.master.SegmentOf(symbol)
	}
	enriched := h.atr.ProcessBatch(windowStart, bars, segments)

	rows := make([]model.MarketDataRow, 0, len(enriched))
	now := time.Now()
	for i := range enriched {
		eb := &enriched[i]
		eb.RowID = rowid.Generate(eb.Symbol, eb.WindowStart)
		rows = append(rows, model.MarketDataRow{
			ID: eb.RowID, Timestamp: eb.WindowStart, Ticker: eb.Symbol, Segment: eb.Segment,
			Open: eb.Open, High: eb.High, Low: eb.Low, Close: eb.Close,
			TR: eb.TR, ATR: eb.ATR, GapFilled: eb.GapFilled, CreatedAt: now,
		})
	}
	log.Info("WINDOW_FINALIZED", "window", windowStart, "rows", len(rows))
	h.pipeline.Enqueue(model.WriteBatch{WindowStart: windowStart, Rows: rows, ExpectedCount: len(rows)})
	h.lastFinalizedWindow = windowStart

	if h.redisWrite != nil {
		h.redisWrite.PublishWindow(ctx, enriched)
	}

	if err := h.ckptMgr.Save(model.CheckpointRecord{
		LastWindow: windowStart, ATRState: h.atr.ExportState(), SavedAt: now, SheetsWriteConfirmed: false,
	}); err != nil {
		log.Error("CHECKPOINT_SAVE_FAILED", "error", err)
	} else if h.metrics != nil {
		h.metrics.CheckpointSaveTotal.Inc()
		h.metrics.CheckpointAge.Set(0)
	}

	atrRows := make([]store.ATRStateRow, 0, len(enriched))
	for _, s := range h.atr.GetSummaries() {
		atrRows = append(atrRows, store.ATRStateRow{
			Ticker: s.Symbol, LastClose: s.LastClose, LastATR: s.LastATR, LastTimestamp: s.LastTimestamp, UpdatedAt: now,
		})
	}
	if err := writepipeline.SyncATRState(ctx, h.st, atrRows); err != nil {
		log.Error("ATR_STATE_SYNC_FAILED", "error", err)
	}

	if hasNext {
		h.agg.TransitionToNextWindow(nextWindow)
		if h.health != nil {
			h.health.SetActiveWindow(nextWindow)
		}
	}
}

func (h *Harvester) triggerReconnect(ctx context.Context) {
	h.logger.Warn("RECONNECT_TRIGGERED")
	if h.health != nil {
		h.health.SetFeedConnected(false)
	}
	h.feedCli.Disconnect()

	attempts := 0
	ok := h.reconnOp.AttemptReconnect(ctx,
		func() error { return nil }, // refresh: no-op; Connect re-dials with the headers the client was built with
		func() error { attempts++; return h.feedCli.Connect(ctx) },
		func() error { return h.feedCli.Subscribe() },
	)
	if ok && h.health != nil {
		h.health.SetFeedConnected(true)
	}
	if h.metrics != nil {
		h.metrics.ReconnectAttempts.Add(float64(attempts))
		if ok {
			h.metrics.ReconnectsOK.Inc()
		}
	}
}

func (h *Harvester) cleanup(ctx context.Context) {
	h.logger.Info("CLEANUP_START")

	h.feedCli.Disconnect()
	h.pipeline.Close()

	now := time.Now()
	if err := h.ckptMgr.Save(model.CheckpointRecord{
		LastWindow: h.lastFinalizedWindow, ATRState: h.atr.ExportState(), SavedAt: now, SheetsWriteConfirmed: true,
	}); err != nil {
		h.logger.Error("FINAL_CHECKPOINT_FAILED", "error", err)
	}

	h.alertMgr.Fire(ctx, alerts.Info, map[string]any{"event": "SESSION_END", "date": h.today.Format("2006-01-02")})
	h.logger.Info("CLEANUP_COMPLETE")
}

// MarketStatus reports a human-readable session status string for startup
// banners.
func MarketStatus(cal *calendar.Calendar) string {
	return markethours.StatusString(cal, time.Now())
}
