// Package store defines the narrow durable-store port the write pipeline,
// checkpoint manager, and orchestrator depend on, and a SQLite-backed
// implementation of it.
//
// The four tables and their column orders match the original Google
// Sheets-backed design (see original_source/modules/sheets/sheets_client.py):
// market_data is append-only, atr_state is overwritten wholesale each
// cycle, system_log is append-only, and metadata holds static seed rows.
// SQLite gives the same "append rows / range-read by key prefix /
// overwrite a named table" semantics without a network dependency.
package store

import (
	"context"
	"time"

	"nse-volharvester/internal/model"
)

// AppendResult reports how many rows the store actually persisted, used
// by the write pipeline to detect partial writes.
type AppendResult struct {
	UpdatedRows int
}

// Store is the narrow port every durable-store adapter must satisfy.
type Store interface {
	// Init creates the schema and seeds the metadata table if absent.
	Init(ctx context.Context) error

	// ExistingIDs returns the set of market_data row ids already present
	// for the given window start.
	ExistingIDs(ctx context.Context, windowStart time.Time) (map[string]bool, error)

	// AppendMarketData appends rows to market_data, skipping none — callers
	// are expected to have already filtered against ExistingIDs.
	AppendMarketData(ctx context.Context, rows []model.MarketDataRow) (AppendResult, error)

	// OverwriteATRState replaces the atr_state table wholesale with rows.
	OverwriteATRState(ctx context.Context, rows []ATRStateRow) error

	// ReadATRState reads the full current atr_state table.
	ReadATRState(ctx context.Context) ([]ATRStateRow, error)

	// MaxMarketDataTimestamp returns the most recent window_start persisted
	// in market_data, or the zero time if the table is empty.
	MaxMarketDataTimestamp(ctx context.Context) (time.Time, error)

	// AppendLog appends one row to system_log.
	AppendLog(ctx context.Context, ts time.Time, level, event, window, details string) error

	// Close releases underlying resources.
	Close() error
}

// ATRStateRow is one row of the atr_state table.
type ATRStateRow struct {
	Ticker        string
	LastClose     *float64
	LastATR       *float64
	LastTimestamp int64
	UpdatedAt     time.Time
}
