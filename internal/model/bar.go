package model

import "time"

// OHLCBar is the per-window, per-instrument accumulator result.
//
// Invariant: Low <= min(Open, Close) <= max(Open, Close) <= High.
// TickCount >= 1 unless GapFilled is true, in which case Open == High ==
// Low == Close and TickCount == 0.
type OHLCBar struct {
	WindowStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	TickCount   int
	GapFilled   bool
}

// EnrichedBar is an OHLCBar augmented with the identity and volatility
// fields needed to write a market_data row.
type EnrichedBar struct {
	OHLCBar
	Symbol  string
	Segment string
	TR      float64
	ATR     *float64 // nil during ATR warmup (first 13 bars of an instrument's life; seeded on the 14th)
	RowID   string
}
