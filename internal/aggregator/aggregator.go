// Package aggregator manages the window lifecycle state machine and
// coordinates the tick buffer's freeze/snapshot cycle. It owns lifecycle
// state and the pre-computed boundary list exclusively; the scheduler
// activity is its only caller.
package aggregator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nse-volharvester/internal/model"
	"nse-volharvester/internal/tickbuffer"
)

// State is one of the four window lifecycle states.
type State string

const (
	StateIdle       State = "IDLE"
	StateCollecting State = "COLLECTING"
	StateFreezing   State = "FREEZING"
	StateFrozen     State = "FROZEN"
)

// Aggregator drives one Buffer through IDLE -> COLLECTING -> FREEZING ->
// FROZEN -> COLLECTING for each window of a session.
type Aggregator struct {
	buffer *tickbuffer.Buffer
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	current time.Time

	expectedSymbols []string
}

// New creates an Aggregator bound to buffer. expectedSymbols is the full
// instrument universe, used only for the missing-ticker validation warning.
func New(buffer *tickbuffer.Buffer, expectedSymbols []string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		buffer:          buffer,
		logger:          logger,
		state:           StateIdle,
		expectedSymbols: expectedSymbols,
	}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentWindow returns the active window start, if any.
func (a *Aggregator) CurrentWindow() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateIdle {
		return time.Time{}, false
	}
	return a.current, true
}

// StartWindow begins collecting ticks for windowStart (session start, or
// the transition out of FROZEN for the next window).
func (a *Aggregator) StartWindow(windowStart time.Time) {
	a.mu.Lock()
	a.current = windowStart
	a.state = StateCollecting
	a.mu.Unlock()

	a.buffer.SetActiveWindow(windowStart)
	if a.logger != nil {
		a.logger.Info("window started", "window", windowStart)
	}
}

// BeginFreeze transitions COLLECTING -> FREEZING and stops the buffer from
// accepting further updates. Called at the boundary crossing.
func (a *Aggregator) BeginFreeze() {
	a.mu.Lock()
	if a.state != StateCollecting {
		st := a.state
		win := a.current
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.Warn("freeze skipped, unexpected state", "state", st, "window", win)
		}
		return
	}
	a.state = StateFreezing
	a.mu.Unlock()

	a.buffer.Freeze()
}

// FinalizeWindow snapshots and resets the buffer after the freeze-grace
// period has elapsed, validates the result, and transitions to FROZEN.
// Returns (zero time, nil) if no window was active.
func (a *Aggregator) FinalizeWindow() (time.Time, map[string]model.OHLCBar) {
	a.mu.Lock()
	if a.state != StateFreezing && a.state != StateCollecting {
		st := a.state
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.Warn("finalize skipped, unexpected state", "state", st)
		}
		return time.Time{}, nil
	}
	a.state = StateFrozen
	window := a.current
	a.mu.Unlock()

	w, bars := a.buffer.SnapshotAndReset(a.logger)
	a.validate(w, bars)

	if a.logger != nil {
		a.logger.Info("window finalized", "window", window, "symbols", len(bars), "expected", len(a.expectedSymbols))
	}
	return w, bars
}

// TransitionToNextWindow moves from FROZEN to COLLECTING for next.
func (a *Aggregator) TransitionToNextWindow(next time.Time) {
	a.mu.Lock()
	a.state = StateCollecting
	a.current = next
	a.mu.Unlock()

	a.buffer.SetActiveWindow(next)
	if a.logger != nil {
		a.logger.Debug("transitioned to next window", "window", next)
	}
}

// SetIdle marks the aggregator idle (outside market hours / session ended).
func (a *Aggregator) SetIdle() {
	a.mu.Lock()
	a.state = StateIdle
	a.mu.Unlock()
}

func (a *Aggregator) validate(window time.Time, bars map[string]model.OHLCBar) {
	if a.logger == nil {
		return
	}
	if len(a.expectedSymbols) > 0 && len(bars) < len(a.expectedSymbols) {
		present := make(map[string]bool, len(bars))
		for s := range bars {
			present[s] = true
		}
		var missing []string
		for _, s := range a.expectedSymbols {
			if !present[s] {
				missing = append(missing, s)
			}
		}
		a.logger.Warn("missing symbols at finalize", "window", window, "expected", len(a.expectedSymbols), "present", len(bars), "missing", missing)
	}
	for symbol, bar := range bars {
		maxOC := bar.Open
		if bar.Close > maxOC {
			maxOC = bar.Close
		}
		minOC := bar.Open
		if bar.Close < minOC {
			minOC = bar.Close
		}
		if bar.High < maxOC {
			a.logger.Warn("ohlc invariant violation", "symbol", symbol, "issue", fmt.Sprintf("high=%v < max(open,close)=%v", bar.High, maxOC))
		}
		if bar.Low > minOC {
			a.logger.Warn("ohlc invariant violation", "symbol", symbol, "issue", fmt.Sprintf("low=%v > min(open,close)=%v", bar.Low, minOC))
		}
	}
}
