package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"nse-volharvester/internal/alerts"
	"nse-volharvester/internal/model"
	"nse-volharvester/internal/store"
)

type fakeStore struct{}

func (fakeStore) Init(ctx context.Context) error { return nil }
func (fakeStore) ExistingIDs(ctx context.Context, windowStart time.Time) (map[string]bool, error) {
	return nil, nil
}
func (fakeStore) AppendMarketData(ctx context.Context, rows []model.MarketDataRow) (store.AppendResult, error) {
	return store.AppendResult{}, nil
}
func (fakeStore) OverwriteATRState(ctx context.Context, rows []store.ATRStateRow) error { return nil }
func (fakeStore) ReadATRState(ctx context.Context) ([]store.ATRStateRow, error)         { return nil, nil }
func (fakeStore) MaxMarketDataTimestamp(ctx context.Context) (time.Time, error)         { return time.Time{}, nil }
func (fakeStore) AppendLog(ctx context.Context, ts time.Time, level, event, window, details string) error {
	return nil
}
func (fakeStore) Close() error { return nil }

func testAlertManager() *alerts.Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return alerts.New(fakeStore{}, logger, nil)
}

func TestAttemptReconnect_SucceedsFirstTry(t *testing.T) {
	o := New(Config{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2, MaxAttempts: 5, AlertThreshold: 3}, testAlertManager())

	ok := o.AttemptReconnect(context.Background(),
		func() error { return nil },
		func() error { return nil },
		func() error { return nil },
	)
	if !ok {
		t.Fatalf("expected success on first attempt")
	}
	if o.Attempts() != 0 {
		t.Errorf("Attempts() should reset to 0 after success, got %d", o.Attempts())
	}
}

func TestAttemptReconnect_RecoversAfterFailures(t *testing.T) {
	o := New(Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 1.5, MaxAttempts: 5, AlertThreshold: 2}, testAlertManager())

	calls := 0
	ok := o.AttemptReconnect(context.Background(),
		func() error { return nil },
		func() error {
			calls++
			if calls < 3 {
				return errors.New("dial failed")
			}
			return nil
		},
		func() error { return nil },
	)
	if !ok {
		t.Fatalf("expected eventual success")
	}
	if calls != 3 {
		t.Errorf("connect called %d times, want 3", calls)
	}
}

func TestAttemptReconnect_ExhaustsAttempts(t *testing.T) {
	o := New(Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 1, MaxAttempts: 3, AlertThreshold: 2}, testAlertManager())

	ok := o.AttemptReconnect(context.Background(),
		func() error { return nil },
		func() error { return errors.New("always fails") },
		func() error { return nil },
	)
	if ok {
		t.Fatalf("expected exhaustion to return false")
	}
	if o.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3 after exhaustion", o.Attempts())
	}
}

func TestAttemptReconnect_CtxCancelAbortsWait(t *testing.T) {
	o := New(Config{BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1, MaxAttempts: 5}, testAlertManager())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := o.AttemptReconnect(ctx,
		func() error { return nil },
		func() error { return nil },
		func() error { return nil },
	)
	if ok {
		t.Errorf("expected false when context is already cancelled")
	}
}
