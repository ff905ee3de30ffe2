// Package atrengine computes Wilder's 14-period Average True Range per
// instrument, with cold-start warmup via accumulated TR history and
// steady-state recursive smoothing. Accessed only by the scheduler
// activity — no internal locking.
package atrengine

import (
	"log/slog"
	"math"
	"time"

	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/model"
)

const (
	// Period is the Wilder smoothing window.
	Period = 14
	// Precision is the number of decimal places results are rounded to.
	Precision = 4
)

// Engine owns the per-instrument ATR state map.
type Engine struct {
	states  map[string]*model.ATRState
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns an engine with no instrument state — equivalent to a fresh
// session with no prior history. m may be nil, e.g. in tests.
func New(logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{states: make(map[string]*model.ATRState), logger: logger, metrics: m}
}

// ProcessBatch consumes one window's finalized bars and returns enriched
// bars carrying TR/ATR. It updates prev_close for every instrument
// unconditionally after computing TR/ATR, and stamps LastTimestamp on the
// instrument's ATR state with this window's start — the value later used
// by the checkpoint reconciliation and the atr_state sync, never
// wall-clock time.
func (e *Engine) ProcessBatch(windowStart time.Time, bars map[string]model.OHLCBar, instrumentSegment map[string]string) []model.EnrichedBar {
	out := make([]model.EnrichedBar, 0, len(bars))
	for symbol, bar := range bars {
		st, ok := e.states[symbol]
		if !ok {
			st = &model.ATRState{Symbol: symbol}
			e.states[symbol] = st
		}

		tr := trueRange(bar, st.PrevClose)
		atr := e.update(st, tr)
		st.LastTimestamp = windowStart.Unix()

		eb := model.EnrichedBar{
			OHLCBar: bar,
			Symbol:  symbol,
			Segment: instrumentSegment[symbol],
			TR:      round(tr, Precision),
			ATR:     atr,
		}
		out = append(out, eb)

		close := bar.Close
		st.PrevClose = &close
	}
	if e.metrics != nil {
		warming := 0
		for _, st := range e.states {
			if st.PrevATR == nil {
				warming++
			}
		}
		e.metrics.ATRWarmupInstruments.Set(float64(warming))
	}
	return out
}

// trueRange computes max(high-low, |high-prevClose|, |low-prevClose|) when
// prevClose is known, else high-low.
func trueRange(bar model.OHLCBar, prevClose *float64) float64 {
	if prevClose == nil {
		return bar.High - bar.Low
	}
	pc := *prevClose
	tr := bar.High - bar.Low
	if v := math.Abs(bar.High - pc); v > tr {
		tr = v
	}
	if v := math.Abs(bar.Low - pc); v > tr {
		tr = v
	}
	return tr
}

// update applies the warmup-then-steady-state algorithm and returns the
// rounded, clamped ATR (nil while still warming up).
func (e *Engine) update(st *model.ATRState, tr float64) *float64 {
	st.CandleCount++

	if st.PrevATR == nil {
		st.TRHistory = append(st.TRHistory, tr)
		if len(st.TRHistory) < Period {
			return nil
		}
		sum := 0.0
		for _, v := range st.TRHistory {
			sum += v
		}
		seed := round(sum/float64(Period), Precision)
		st.PrevATR = &seed
		st.TRHistory = nil
		return st.PrevATR
	}

	prior := *st.PrevATR
	next := (prior*float64(Period-1) + tr) / float64(Period)
	next = round(next, Precision)

	if next < 0 {
		if e.logger != nil {
			e.logger.Error("negative atr clamped", "symbol", st.Symbol, "computed", next)
		}
		if e.metrics != nil {
			e.metrics.ATRClampEvents.Inc()
		}
		next = 0
	} else if prior > 0 && next > prior*3 {
		if e.logger != nil {
			e.logger.Warn("atr jumped more than 3x", "symbol", st.Symbol, "prev", prior, "next", next)
		}
		if e.metrics != nil {
			e.metrics.ATRJumpWarnings.Inc()
		}
	}

	st.PrevATR = &next
	return st.PrevATR
}

func round(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// ExportState returns a deep copy of the per-instrument state map, suitable
// for checkpointing.
func (e *Engine) ExportState() map[string]model.ATRState {
	out := make(map[string]model.ATRState, len(e.states))
	for k, v := range e.states {
		out[k] = v.Clone()
	}
	return out
}

// LoadState replaces the engine's state map with a deep copy of snapshot,
// preserving in-flight warmup history so a restart mid-warmup continues
// correctly.
func (e *Engine) LoadState(snapshot map[string]model.ATRState) {
	e.states = make(map[string]*model.ATRState, len(snapshot))
	for k, v := range snapshot {
		clone := v.Clone()
		e.states[k] = &clone
	}
}

// Summary describes one instrument's current ATR state, used to sync the
// atr_state table.
type Summary struct {
	Symbol        string
	LastClose     *float64
	LastATR       *float64
	LastTimestamp int64
}

// GetSummaries returns one Summary per known instrument.
func (e *Engine) GetSummaries() []Summary {
	out := make([]Summary, 0, len(e.states))
	for symbol, st := range e.states {
		out = append(out, Summary{
			Symbol:        symbol,
			LastClose:     st.PrevClose,
			LastATR:       st.PrevATR,
			LastTimestamp: st.LastTimestamp,
		})
	}
	return out
}
