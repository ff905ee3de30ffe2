package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"

	"nse-volharvester/config"
	"nse-volharvester/internal/calendar"
	"nse-volharvester/internal/feed"
	"nse-volharvester/internal/instruments"
	"nse-volharvester/internal/markethours"
	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/orchestrator"
	redisstore "nse-volharvester/internal/store/redis"
	"nse-volharvester/internal/store"
	"nse-volharvester/internal/tickbuffer"
	"nse-volharvester/internal/timegrid"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[harvester] starting...")

	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "harvester")

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	os.MkdirAll(cfg.CheckpointDir, 0o755)
	os.MkdirAll(filepath.Dir(cfg.FallbackSpoolPath), 0o755)

	st, err := store.NewSQLiteStore(cfg.SQLitePath, logger)
	if err != nil {
		log.Fatalf("[harvester] sqlite init failed: %v", err)
	}
	defer st.Close()
	health.SetStoreOK(true)
	log.Println("[harvester] store ready")

	redisWriter, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, logger)
	if err != nil {
		log.Printf("[harvester] WARNING: redis init failed: %v (continuing without live-view cache)", err)
		health.SetRedisConnected(false)
		redisWriter = nil
	} else {
		health.SetRedisConnected(true)
		log.Println("[harvester] redis live-view writer ready")
		defer redisWriter.Close()
	}

	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), st.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, st.DB(), 10*time.Second)
	}

	master, err := instruments.Load(cfg.InstrumentsPath)
	if err != nil {
		log.Fatalf("[harvester] instrument master load failed: %v", err)
	}
	log.Printf("[harvester] loaded %d instruments", master.Count())

	cal := loadCalendar(cfg, logger)

	h := orchestrator.New(orchestrator.Deps{
		Config: cfg, Calendar: cal, Master: master, Logger: logger,
		Store: st, RedisWrite: redisWriter, Metrics: prom, Health: health,
	})

	go func() {
		loginBackoff := 30 * time.Second

		for {
			now := time.Now()
			if !cal.IsTradingDay(now) {
				log.Printf("[harvester] %s — sleeping until next trading day check", markethours.StatusString(cal, now))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Hour):
				}
				continue
			}

			nextPreOpen, err := markethours.NextPreOpen(cal, now)
			if err != nil {
				log.Printf("[harvester] next pre-open lookup failed: %v", err)
				time.Sleep(time.Hour)
				continue
			}
			if now.Before(nextPreOpen) {
				wait := nextPreOpen.Sub(now)
				log.Printf("[harvester] market closed. %s", markethours.StatusString(cal, now))
				log.Printf("[harvester] sleeping %v until pre-open %s", wait.Truncate(time.Second), nextPreOpen.In(calendar.IST).Format("Mon 15:04"))
				health.SetFeedConnected(false)
				prom.MarketState.Set(0)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			log.Println("[harvester] pre-market warm-up — generating fresh session...")
			totpCode, err := totp.GenerateCode(cfg.FeedTOTPSecret, time.Now())
			if err != nil {
				log.Printf("[harvester] TOTP generation failed: %v, retrying in %v", err, loginBackoff)
				time.Sleep(loginBackoff)
				loginBackoff = minDur(loginBackoff*2, 5*time.Minute)
				continue
			}
			_ = totpCode // handed to the feed dialer's auth headers below
			loginBackoff = 30 * time.Second

			open, _, err := cal.SessionHours(now)
			if err != nil {
				log.Printf("[harvester] session hours lookup failed: %v", err)
				time.Sleep(time.Minute)
				continue
			}
			wsTime := markethours.WSConnectTime(open)
			if wait := time.Until(wsTime); wait > 0 {
				log.Printf("[harvester] waiting %v to connect feed at %s", wait.Truncate(time.Second), wsTime.In(calendar.IST).Format("15:04"))
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			log.Println("[harvester] ================================================================")
			log.Println("[harvester] |  NSE Volatility Harvester                                    |")
			log.Println("[harvester] |  Pipeline: feed -> tick buffer -> aggregator -> ATR -> store |")
			log.Printf("[harvester] |  Pre-open warm-up -> %02d:%02d feed connect -> %02d:%02d first tick |",
				wsTime.Hour(), wsTime.Minute(), open.Hour(), open.Minute())
			log.Println("[harvester] ================================================================")

			prom.MarketState.Set(1)
			err = h.Run(ctx, func(grid *timegrid.Grid, buffer *tickbuffer.Buffer) (*feed.Client, error) {
				return dialFeed(ctx, cfg, totpCode, master, grid, buffer, logger, prom)
			})
			prom.MarketState.Set(0)
			if err != nil {
				log.Printf("[harvester] session ended with error: %v", err)
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	<-sigCh
	log.Println("[harvester] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[harvester] shutdown complete.")
}

// dialFeed builds and connects a feed.Client, authenticated with the TOTP
// code generated for this session, and subscribes to the full instrument
// master. buffer is the orchestrator's tick buffer — the feed client and
// the aggregator must share the same one, or ticks never reach the
// aggregation pipeline.
func dialFeed(ctx context.Context, cfg *config.Config, totpCode string, master *instruments.Master, grid *timegrid.Grid, buffer *tickbuffer.Buffer, logger *slog.Logger, prom *metrics.Metrics) (*feed.Client, error) {
	headers := http.Header{}
	headers.Set("X-Api-Key", cfg.FeedAPIKey)
	headers.Set("X-Client-Code", cfg.FeedClientCode)
	headers.Set("X-TOTP", totpCode)

	fcfg := feed.DefaultConfig()
	fcfg.SubscribeBatchSize = cfg.WSSubscribeBatchSize
	fcfg.HeartbeatSilence = time.Duration(cfg.HeartbeatSilenceS) * time.Second
	fcfg.LatencySampleSize = cfg.LatencySampleSize
	fcfg.LatencyWarnP99US = cfg.CallbackLatencyWarnUS
	fcfg.LatencyWarnMaxUS = cfg.CallbackLatencyMaxUS

	cli := feed.New(fcfg, cfg.FeedWSURL, headers, buffer, grid, master, logger)
	if prom != nil {
		cli.SetMetrics(prom)
	}
	if err := cli.Connect(ctx); err != nil {
		return nil, fmt.Errorf("feed connect: %w", err)
	}
	if err := cli.Subscribe(); err != nil {
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}
	return cli, nil
}

// loadCalendar loads the holiday/special-session calendar for the current
// IST year only, falling back to an empty calendar (weekends-only) if that
// file cannot be loaded. The next year's file is not read.
func loadCalendar(cfg *config.Config, logger *slog.Logger) *calendar.Calendar {
	year := time.Now().In(calendar.IST).Year()
	path := filepath.Join(cfg.CalendarDir, fmt.Sprintf("holidays_%d.json", year))
	cal, err := calendar.Load(path)
	if err != nil {
		logger.Warn("CALENDAR_LOAD_FAILED", "path", path, "error", err)
		return calendar.Empty()
	}
	return cal
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
