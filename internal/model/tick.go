package model

import "time"

// Tick represents a single last-traded-price update from the upstream feed.
// It is transient and is never persisted — only the bars it contributes to
// survive a window boundary.
type Tick struct {
	Token    string    // feed-assigned instrument token
	Price    float64   // last traded price
	EventTS  time.Time // exchange-provided timestamp, the authoritative ordering key
	ArrivalT time.Time // local arrival time, used only for heartbeat/latency telemetry
}

// CanonicalTS returns the exchange-provided timestamp, the sole ordering
// key used for window assignment.
func (t *Tick) CanonicalTS() time.Time {
	return t.EventTS
}
