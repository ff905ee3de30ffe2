// Package tickbuffer implements the thread-safe in-memory OHLC accumulator
// shared between the feed activity (many Update calls) and the scheduler
// activity (one Freeze, one SnapshotAndReset per boundary).
package tickbuffer

import (
	"log/slog"
	"sync"
	"time"

	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/model"
)

// Buffer accumulates one OHLCBar per symbol for the current active window.
// All access is serialized by a single mutex guarding the active window,
// the frozen flag, the accumulator map, and the drop counters.
type Buffer struct {
	mu sync.Mutex

	active       time.Time
	hasActive    bool
	frozen       bool
	bars         map[string]*model.OHLCBar
	lateCount    int
	futureCount  int

	metrics *metrics.Metrics
}

// New returns an empty, unfrozen buffer with no active window.
func New() *Buffer {
	return &Buffer{bars: make(map[string]*model.OHLCBar)}
}

// SetMetrics attaches the Prometheus counters Update increments on every
// tick. Optional — nil leaves the buffer's behavior unchanged.
func (b *Buffer) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// SetActiveWindow is called by the scheduler when a new window begins
// (after the previous window's freeze/snapshot completes, or at session
// start). It un-freezes the buffer and resets drop counters.
func (b *Buffer) SetActiveWindow(w time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = w
	b.hasActive = true
	b.frozen = false
	b.lateCount = 0
	b.futureCount = 0
}

// Freeze stops the buffer from accepting further updates. Called by the
// aggregator at the start of the freeze-grace period.
func (b *Buffer) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// IsFrozen reports whether the buffer currently refuses updates.
func (b *Buffer) IsFrozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Update incorporates a tick into the accumulator for symbol at
// windowStart. Returns false (and counts the drop) if the buffer is
// frozen, or if windowStart doesn't match the active window — no tick from
// a just-closed window can contaminate the next one, and no tick for a
// not-yet-active window is accepted early.
func (b *Buffer) Update(symbol string, price float64, windowStart time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		b.lateCount++
		if b.metrics != nil {
			b.metrics.TicksLate.Inc()
		}
		return false
	}
	if b.hasActive && windowStart.Before(b.active) {
		b.lateCount++
		if b.metrics != nil {
			b.metrics.TicksLate.Inc()
		}
		return false
	}
	if b.hasActive && windowStart.After(b.active) {
		b.futureCount++
		if b.metrics != nil {
			b.metrics.TicksFuture.Inc()
		}
		return false
	}

	if b.metrics != nil {
		b.metrics.TicksTotal.Inc()
	}

	bar, ok := b.bars[symbol]
	if !ok {
		b.bars[symbol] = &model.OHLCBar{
			WindowStart: windowStart,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			TickCount:   1,
		}
		return true
	}
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.TickCount++
	return true
}

// SnapshotAndReset atomically extracts the finalized bars and clears the
// accumulator and drop counters. The frozen flag and active window are
// left untouched — the aggregator manages those transitions explicitly.
func (b *Buffer) SnapshotAndReset(logger *slog.Logger) (time.Time, map[string]model.OHLCBar) {
	b.mu.Lock()
	out := make(map[string]model.OHLCBar, len(b.bars))
	for k, v := range b.bars {
		out[k] = *v
	}
	window := b.active
	late := b.lateCount
	future := b.futureCount
	b.bars = make(map[string]*model.OHLCBar)
	b.lateCount = 0
	b.futureCount = 0
	b.mu.Unlock()

	if logger != nil {
		if late > 0 {
			logger.Warn("late ticks dropped", "window", window, "count", late)
		}
		if future > 0 {
			logger.Warn("future ticks dropped", "window", window, "count", future)
		}
		logger.Info("window snapshot", "window", window, "symbols", len(out), "late_dropped", late, "future_dropped", future)
	}

	return window, out
}

// Stats reports current buffer occupancy for observability.
type Stats struct {
	ActiveWindow time.Time
	SymbolCount  int
	Frozen       bool
	LateCount    int
	FutureCount  int
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ActiveWindow: b.active,
		SymbolCount:  len(b.bars),
		Frozen:       b.frozen,
		LateCount:    b.lateCount,
		FutureCount:  b.futureCount,
	}
}
