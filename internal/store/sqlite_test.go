package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nse-volharvester/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return st
}

func atrVal(v float64) *float64 { return &v }

func TestInit_IsIdempotent(t *testing.T) {
	st := openTestStore(t)
	if err := st.Init(context.Background()); err != nil {
		t.Errorf("second Init call should be a no-op, got error: %v", err)
	}
}

func TestAppendMarketData_AndExistingIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 1, 5, 9, 20, 0, 0, time.UTC)

	rows := []model.MarketDataRow{
		{ID: "RELIANCE_20260105_0920", Timestamp: window, Ticker: "RELIANCE", Segment: "NSE",
			Open: 100, High: 102, Low: 99, Close: 101, TR: 3, ATR: atrVal(2.5), CreatedAt: time.Now()},
	}
	res, err := st.AppendMarketData(ctx, rows)
	if err != nil {
		t.Fatalf("AppendMarketData failed: %v", err)
	}
	if res.UpdatedRows != 1 {
		t.Errorf("UpdatedRows = %d, want 1", res.UpdatedRows)
	}

	existing, err := st.ExistingIDs(ctx, window)
	if err != nil {
		t.Fatalf("ExistingIDs failed: %v", err)
	}
	if !existing["RELIANCE_20260105_0920"] {
		t.Errorf("expected the appended row id to be in ExistingIDs")
	}
}

func TestAppendMarketData_DuplicateIDFails(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 1, 5, 9, 20, 0, 0, time.UTC)
	row := model.MarketDataRow{ID: "X_1", Timestamp: window, Ticker: "X", Segment: "NSE", CreatedAt: time.Now()}

	if _, err := st.AppendMarketData(ctx, []model.MarketDataRow{row}); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if _, err := st.AppendMarketData(ctx, []model.MarketDataRow{row}); err == nil {
		t.Errorf("expected primary key violation on duplicate id, got nil error")
	}
}

func TestOverwriteATRState_ReplacesWholesale(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.OverwriteATRState(ctx, []ATRStateRow{{Ticker: "A", LastATR: atrVal(1), UpdatedAt: time.Now()}})
	if err := st.OverwriteATRState(ctx, []ATRStateRow{{Ticker: "B", LastATR: atrVal(2), UpdatedAt: time.Now()}}); err != nil {
		t.Fatalf("OverwriteATRState failed: %v", err)
	}

	rows, err := st.ReadATRState(ctx)
	if err != nil {
		t.Fatalf("ReadATRState failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Ticker != "B" {
		t.Errorf("expected only ticker B to remain after overwrite, got %+v", rows)
	}
}

func TestMaxMarketDataTimestamp_EmptyTable(t *testing.T) {
	st := openTestStore(t)
	ts, err := st.MaxMarketDataTimestamp(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("expected zero time for an empty table, got %v", ts)
	}
}

func TestAppendLog_Persists(t *testing.T) {
	st := openTestStore(t)
	err := st.AppendLog(context.Background(), time.Now(), "INFO", "SESSION_START", "", "date=2026-01-05")
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
}
