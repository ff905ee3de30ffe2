// Package gapfill synthesizes flat bars for instruments that saw zero
// ticks in a window but have traded earlier in the session, preventing
// state drift in the ATR engine and keeping every instrument's timeline
// contiguous.
package gapfill

import (
	"log/slog"
	"time"

	"nse-volharvester/internal/model"
)

// Filler is stateful across a session: it remembers the last known close
// for every symbol. Not safe for concurrent use — only the scheduler
// activity touches it.
type Filler struct {
	lastClose map[string]float64
	logger    *slog.Logger
}

// New returns an empty Filler.
func New(logger *slog.Logger) *Filler {
	return &Filler{lastClose: make(map[string]float64), logger: logger}
}

// Fill mutates bars in place, injecting a flat bar for every expected
// symbol missing from it when a prior close is known, and returns the
// list of symbols for which no prior close exists (cold start).
func (f *Filler) Fill(bars map[string]model.OHLCBar, expectedSymbols []string, windowStart time.Time) []string {
	var unfillable []string
	var filled []string

	for _, symbol := range expectedSymbols {
		if _, ok := bars[symbol]; ok {
			continue
		}
		if last, ok := f.lastClose[symbol]; ok {
			bars[symbol] = model.OHLCBar{
				WindowStart: windowStart,
				Open:        last,
				High:        last,
				Low:         last,
				Close:       last,
				TickCount:   0,
				GapFilled:   true,
			}
			filled = append(filled, symbol)
		} else {
			unfillable = append(unfillable, symbol)
		}
	}

	for symbol, bar := range bars {
		f.lastClose[symbol] = bar.Close
	}

	if f.logger != nil && len(filled) > 0 {
		f.logger.Info("gap fill", "window", windowStart, "filled", len(filled), "unfillable", len(unfillable), "symbols", filled)
	}

	return unfillable
}
