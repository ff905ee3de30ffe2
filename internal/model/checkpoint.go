package model

import "time"

// CheckpointRecord is the atomically-persisted local snapshot of ATR state
// for the session, written after every window boundary.
type CheckpointRecord struct {
	LastWindow           time.Time           `json:"last_window"`
	ATRState             map[string]ATRState `json:"atr_state"`
	SavedAt              time.Time           `json:"saved_at"`
	SheetsWriteConfirmed bool                `json:"sheets_write_confirmed"`
}

// WriteBatch is the unit placed on the write queue by the scheduler and
// consumed by the writer activity.
type WriteBatch struct {
	WindowStart   time.Time
	Rows          []MarketDataRow
	RowIDs        []string
	ExpectedCount int
}

// MarketDataRow is one row of the market_data table, column order fixed.
type MarketDataRow struct {
	ID        string
	Timestamp time.Time
	Ticker    string
	Segment   string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	TR        float64
	ATR       *float64
	Volume    string
	GapFilled bool
	CreatedAt time.Time
}
