// Package writepipeline implements the producer/consumer write queue:
// dedup against the store, retry with exponential backoff, and a
// JSON-file fallback spool drained at the top of every consumer cycle.
package writepipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/model"
	"nse-volharvester/internal/store"
)

// Config tunes retry behavior. Defaults match spec section 6.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	FallbackPath   string
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig(fallbackPath string) Config {
	return Config{MaxRetries: 5, RetryBaseDelay: time.Second, FallbackPath: fallbackPath}
}

// Pipeline is the single-producer/single-consumer write queue: the
// scheduler activity is the sole producer, the writer activity is the
// sole consumer. The fallback spool file is owned exclusively by the
// consumer side.
type Pipeline struct {
	cfg     Config
	st      store.Store
	queue   chan model.WriteBatch
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Pipeline with an unbounded-in-practice queue (the expected
// per-session cardinality is bars_per_session x instruments, a few
// hundred batches at most).
func New(cfg Config, st store.Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, st: st, queue: make(chan model.WriteBatch, 4096), logger: logger}
}

// SetMetrics attaches the Prometheus metrics the pipeline updates as it
// runs. Optional — a Pipeline with no metrics attached behaves identically,
// just without the counters.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Enqueue is called by the scheduler activity after building one window's
// enriched bars into a WriteBatch.
func (p *Pipeline) Enqueue(batch model.WriteBatch) {
	p.queue <- batch
	if p.metrics != nil {
		p.metrics.WriteQueueDepth.Set(float64(len(p.queue)))
	}
}

// Run is the consumer loop. It blocks until ctx is cancelled or the queue
// is closed via Close.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		p.drainFallback(ctx)

		select {
		case <-ctx.Done():
			return
		case batch, ok := <-p.queue:
			if !ok {
				return
			}
			if p.metrics != nil {
				p.metrics.WriteQueueDepth.Set(float64(len(p.queue)))
			}
			p.process(ctx, batch)
		}
	}
}

// Close signals the consumer to stop accepting new batches once drained.
func (p *Pipeline) Close() {
	close(p.queue)
}

// process runs one batch through dedup, append-with-retry, and fallback
// spooling on exhaustion. Replaying any batch after a successful append is
// safe and idempotent because dedup is id-based.
func (p *Pipeline) process(ctx context.Context, batch model.WriteBatch) {
	existing, err := p.st.ExistingIDs(ctx, batch.WindowStart)
	if err != nil {
		p.log(ctx, "ERROR", "DEDUP_QUERY_FAILED", batch.WindowStart, err.Error())
		p.spool(batch)
		return
	}

	toWrite := filterNew(batch, existing)
	if len(toWrite) == 0 {
		p.log(ctx, "INFO", "DEDUP_SKIP", batch.WindowStart, fmt.Sprintf("all %d rows already present", len(batch.Rows)))
		if p.metrics != nil {
			p.metrics.WriteDedupSkipped.Add(float64(len(batch.Rows)))
		}
		return
	}
	if p.metrics != nil && len(toWrite) < len(batch.Rows) {
		p.metrics.WriteDedupSkipped.Add(float64(len(batch.Rows) - len(toWrite)))
	}

	if p.appendWithRetry(ctx, batch.WindowStart, toWrite) {
		p.log(ctx, "INFO", "WRITE_OK", batch.WindowStart, fmt.Sprintf("wrote %d rows", len(toWrite)))
		if p.metrics != nil {
			p.metrics.WriteOK.Inc()
		}
		return
	}

	p.spool(model.WriteBatch{WindowStart: batch.WindowStart, Rows: toWrite, RowIDs: idsOf(toWrite), ExpectedCount: len(toWrite)})
}

func filterNew(batch model.WriteBatch, existing map[string]bool) []model.MarketDataRow {
	out := make([]model.MarketDataRow, 0, len(batch.Rows))
	for _, r := range batch.Rows {
		if !existing[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func idsOf(rows []model.MarketDataRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// appendWithRetry performs up to MaxRetries attempts with exponential
// backoff base*2^(attempt-1). A response whose updated-row count differs
// from the submitted count is treated as a partial write and retried.
func (p *Pipeline) appendWithRetry(ctx context.Context, windowStart time.Time, rows []model.MarketDataRow) bool {
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if p.metrics != nil && attempt > 1 {
			p.metrics.WriteRetries.Inc()
		}
		res, err := p.st.AppendMarketData(ctx, rows)
		if err == nil && res.UpdatedRows == len(rows) {
			return true
		}

		if err != nil {
			p.log(ctx, "WARNING", "WRITE_ATTEMPT_FAILED", windowStart, fmt.Sprintf("attempt=%d error=%v", attempt, err))
		} else {
			p.log(ctx, "WARNING", "PARTIAL_WRITE", windowStart, fmt.Sprintf("attempt=%d submitted=%d updated=%d", attempt, len(rows), res.UpdatedRows))
		}

		if attempt == p.cfg.MaxRetries {
			break
		}
		delay := time.Duration(float64(p.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// spooledBatch is the JSON-serializable form of model.WriteBatch.
type spooledBatch struct {
	WindowStart   time.Time               `json:"window_start"`
	Rows          []model.MarketDataRow   `json:"rows"`
	RowIDs        []string                `json:"row_ids"`
	ExpectedCount int                     `json:"expected_count"`
}

// spool appends batch to the fallback-spool file.
func (p *Pipeline) spool(batch model.WriteBatch) {
	existing := p.loadSpool()
	existing = append(existing, toSpooled(batch))
	p.saveSpool(existing)
	if p.logger != nil {
		p.logger.Error("batch spooled to fallback", "window", batch.WindowStart, "rows", len(batch.Rows))
	}
}

// drainFallback replays every spooled batch through the same dedup and
// appendWithRetry steps that process uses, dedup making replay safe, and
// rewrites the file with any batches that still fail. It does not write
// the DEDUP_SKIP/WRITE_OK log events or the dedup/OK metrics that process
// records.
func (p *Pipeline) drainFallback(ctx context.Context) {
	spooled := p.loadSpool()
	if len(spooled) == 0 {
		return
	}

	var stillFailing []spooledBatch
	for _, sb := range spooled {
		batch := fromSpooled(sb)
		existing, err := p.st.ExistingIDs(ctx, batch.WindowStart)
		if err != nil {
			stillFailing = append(stillFailing, sb)
			continue
		}
		toWrite := filterNew(batch, existing)
		if len(toWrite) == 0 {
			continue
		}
		if !p.appendWithRetry(ctx, batch.WindowStart, toWrite) {
			stillFailing = append(stillFailing, toSpooled(model.WriteBatch{
				WindowStart: batch.WindowStart, Rows: toWrite, RowIDs: idsOf(toWrite), ExpectedCount: len(toWrite),
			}))
		}
	}

	p.saveSpool(stillFailing)
}

func (p *Pipeline) loadSpool() []spooledBatch {
	data, err := os.ReadFile(p.cfg.FallbackPath)
	if err != nil {
		return nil
	}
	var out []spooledBatch
	if err := json.Unmarshal(data, &out); err != nil {
		if p.logger != nil {
			p.logger.Error("fallback spool corrupt, discarding", "error", err)
		}
		return nil
	}
	return out
}

func (p *Pipeline) saveSpool(batches []spooledBatch) {
	if p.metrics != nil {
		p.metrics.WriteSpoolSize.Set(float64(len(batches)))
	}
	if len(batches) == 0 {
		os.Remove(p.cfg.FallbackPath)
		return
	}
	os.MkdirAll(filepath.Dir(p.cfg.FallbackPath), 0o755)
	data, err := json.Marshal(batches)
	if err != nil {
		return
	}
	os.WriteFile(p.cfg.FallbackPath, data, 0o644)
}

func toSpooled(b model.WriteBatch) spooledBatch {
	return spooledBatch{WindowStart: b.WindowStart, Rows: b.Rows, RowIDs: b.RowIDs, ExpectedCount: b.ExpectedCount}
}

func fromSpooled(sb spooledBatch) model.WriteBatch {
	return model.WriteBatch{WindowStart: sb.WindowStart, Rows: sb.Rows, RowIDs: sb.RowIDs, ExpectedCount: sb.ExpectedCount}
}

func (p *Pipeline) log(ctx context.Context, level, event string, window time.Time, details string) {
	if err := p.st.AppendLog(ctx, time.Now(), level, event, window.Format(time.RFC3339), details); err != nil && p.logger != nil {
		p.logger.Error("system_log append failed", "event", event, "error", err)
	}
	if p.logger == nil {
		return
	}
	switch level {
	case "ERROR":
		p.logger.Error(event, "window", window, "details", details)
	case "WARNING":
		p.logger.Warn(event, "window", window, "details", details)
	default:
		p.logger.Info(event, "window", window, "details", details)
	}
}

// SyncATRState overwrites the atr_state table with the full current
// snapshot — an idempotent, cheap "latest view" for external readers and
// for startup reconciliation. Called by the scheduler at each boundary
// right after the batch is enqueued and the checkpoint saved; it does not
// wait for the writer's market_data append.
func SyncATRState(ctx context.Context, st store.Store, rows []store.ATRStateRow) error {
	return st.OverwriteATRState(ctx, rows)
}
