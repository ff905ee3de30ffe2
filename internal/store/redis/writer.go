// Package redis provides a best-effort live-view cache for enriched bars
// and ATR state: the latest bar per instrument, the latest ATR-state
// snapshot, and pubsub channels for external dashboards. It is not part of
// the durable store or the write pipeline's dedup/retry path — outages
// here never block a boundary cycle.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nse-volharvester/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 24 * time.Hour

// Writer publishes the latest enriched bar and ATR summary per instrument
// to Redis using a "latest + pubsub" pattern (no stream), so external
// dashboards can subscribe to 5-minute enriched bars as they finalize.
type Writer struct {
	client *goredis.Client
	logger *slog.Logger
}

// New creates a Writer and pings the server once to fail fast at boot.
func New(addr, password string, logger *slog.Logger) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Writer{client: client, logger: logger}, nil
}

// Client exposes the underlying client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// PublishWindow writes the latest bar and fires a pubsub message for every
// enriched bar in the window, in a single pipeline.
func (w *Writer) PublishWindow(ctx context.Context, bars []model.EnrichedBar) {
	if len(bars) == 0 {
		return
	}

	pipe := w.client.Pipeline()
	for _, b := range bars {
		latestKey := "bar:5m:latest:" + b.Symbol
		pubsubCh := "pub:bar:5m:" + b.Symbol
		jsonData := bar5mJSON(b)

		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.Publish(ctx, pubsubCh, jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil && w.logger != nil {
		w.logger.Warn("redis window publish failed", "error", err, "bars", len(bars))
	}
}

// PublishATRSummary writes the latest per-instrument ATR summary.
func (w *Writer) PublishATRSummary(ctx context.Context, symbol string, atr *float64, lastClose float64, lastTimestamp int64) {
	key := "atr:latest:" + symbol
	val := fmt.Sprintf(`{"symbol":%q,"atr":%s,"last_close":%v,"last_timestamp":%d}`, symbol, floatOrNull(atr), lastClose, lastTimestamp)
	if err := w.client.Set(ctx, key, val, defaultLatestTTL).Err(); err != nil && w.logger != nil {
		w.logger.Warn("redis atr summary publish failed", "symbol", symbol, "error", err)
	}
}

func floatOrNull(f *float64) string {
	if f == nil {
		return "null"
	}
	return fmt.Sprintf("%v", *f)
}

func bar5mJSON(b model.EnrichedBar) string {
	return fmt.Sprintf(
		`{"symbol":%q,"segment":%q,"window_start":%q,"open":%v,"high":%v,"low":%v,"close":%v,"tick_count":%d,"gap_filled":%v,"tr":%v,"atr":%s,"row_id":%q}`,
		b.Symbol, b.Segment, b.WindowStart.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.TickCount, b.GapFilled, b.TR, floatOrNull(b.ATR), b.RowID,
	)
}

// Close closes the underlying client.
func (w *Writer) Close() error {
	return w.client.Close()
}
