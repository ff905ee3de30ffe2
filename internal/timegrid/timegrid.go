// Package timegrid pre-computes session window boundaries and assigns
// tick timestamps to their owning window. No modulo arithmetic is used
// anywhere, so special sessions with non-standard opens behave identically
// to a regular session shifted in time.
package timegrid

import (
	"fmt"
	"time"
)

// ErrOutsideSession is returned by AssignTick when the timestamp falls
// before session open or at/after session close.
type ErrOutsideSession struct {
	TS    time.Time
	Open  time.Time
	Close time.Time
}

func (e ErrOutsideSession) Error() string {
	return fmt.Sprintf("timestamp %s outside session [%s, %s)", e.TS, e.Open, e.Close)
}

// Grid holds the pre-computed boundary list for one trading session.
type Grid struct {
	open       time.Time
	close      time.Time
	interval   time.Duration
	boundaries []time.Time // window start times, ascending
}

// New builds the boundary list [open, open+interval, ...] with each value
// strictly less than close.
func New(open, close time.Time, interval time.Duration) *Grid {
	g := &Grid{open: open, close: close, interval: interval}
	for cur := open; cur.Before(close); cur = cur.Add(interval) {
		g.boundaries = append(g.boundaries, cur)
	}
	return g
}

// Boundaries returns the ordered list of window start times.
func (g *Grid) Boundaries() []time.Time {
	out := make([]time.Time, len(g.boundaries))
	copy(out, g.boundaries)
	return out
}

// FinalizationTimes returns each boundary's close, i.e. boundary+interval —
// the instants at which that window should be frozen/finalized.
func (g *Grid) FinalizationTimes() []time.Time {
	out := make([]time.Time, len(g.boundaries))
	for i, b := range g.boundaries {
		out[i] = b.Add(g.interval)
	}
	return out
}

// AssignTick maps an exchange timestamp to its owning window start: the
// largest boundary <= ts. Returns ErrOutsideSession if ts is before open
// or at/after close.
func (g *Grid) AssignTick(ts time.Time) (time.Time, error) {
	if len(g.boundaries) == 0 || ts.Before(g.boundaries[0]) {
		return time.Time{}, ErrOutsideSession{TS: ts, Open: g.open, Close: g.close}
	}
	if !ts.Before(g.close) {
		return time.Time{}, ErrOutsideSession{TS: ts, Open: g.open, Close: g.close}
	}

	var owner time.Time
	for _, b := range g.boundaries {
		if !b.After(ts) {
			owner = b
		} else {
			break
		}
	}
	return owner, nil
}

// NextBoundaryAfter returns the first window start strictly after w, and
// false if w is the last window of the session.
func (g *Grid) NextBoundaryAfter(w time.Time) (time.Time, bool) {
	for _, b := range g.boundaries {
		if b.After(w) {
			return b, true
		}
	}
	return time.Time{}, false
}

// NextFinalizationAfter returns the first finalization time strictly after t.
func (g *Grid) NextFinalizationAfter(t time.Time) (time.Time, bool) {
	for _, f := range g.FinalizationTimes() {
		if f.After(t) {
			return f, true
		}
	}
	return time.Time{}, false
}

// First returns the first window start of the session.
func (g *Grid) First() (time.Time, bool) {
	if len(g.boundaries) == 0 {
		return time.Time{}, false
	}
	return g.boundaries[0], true
}
