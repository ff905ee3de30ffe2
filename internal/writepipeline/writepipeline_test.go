package writepipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nse-volharvester/internal/model"
	"nse-volharvester/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	existingIDs map[string]bool
	appended    []model.MarketDataRow
	appendErr   error
	failCount   int // AppendMarketData fails this many times before succeeding
	atrRows     []store.ATRStateRow
	logs        []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{existingIDs: map[string]bool{}}
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }
func (f *fakeStore) ExistingIDs(ctx context.Context, windowStart time.Time) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.existingIDs))
	for k, v := range f.existingIDs {
		out[k] = v
	}
	return out, nil
}
func (f *fakeStore) AppendMarketData(ctx context.Context, rows []model.MarketDataRow) (store.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount > 0 {
		f.failCount--
		return store.AppendResult{}, errors.New("transient failure")
	}
	for _, r := range rows {
		f.existingIDs[r.ID] = true
	}
	f.appended = append(f.appended, rows...)
	return store.AppendResult{UpdatedRows: len(rows)}, f.appendErr
}
func (f *fakeStore) OverwriteATRState(ctx context.Context, rows []store.ATRStateRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atrRows = rows
	return nil
}
func (f *fakeStore) ReadATRState(ctx context.Context) ([]store.ATRStateRow, error) { return f.atrRows, nil }
func (f *fakeStore) MaxMarketDataTimestamp(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) AppendLog(ctx context.Context, ts time.Time, level, event, window, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, event)
	return nil
}
func (f *fakeStore) Close() error { return nil }

func TestProcess_WritesNewRows(t *testing.T) {
	st := newFakeStore()
	p := New(Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond, FallbackPath: t.TempDir() + "/spool.json"}, st, nil)

	w := time.Now()
	batch := model.WriteBatch{WindowStart: w, Rows: []model.MarketDataRow{{ID: "A_1", Close: 10}}, ExpectedCount: 1}
	p.process(context.Background(), batch)

	if len(st.appended) != 1 {
		t.Fatalf("expected 1 row appended, got %d", len(st.appended))
	}
}

func TestProcess_DedupSkipsExistingRows(t *testing.T) {
	st := newFakeStore()
	st.existingIDs["A_1"] = true
	p := New(Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond, FallbackPath: t.TempDir() + "/spool.json"}, st, nil)

	batch := model.WriteBatch{WindowStart: time.Now(), Rows: []model.MarketDataRow{{ID: "A_1", Close: 10}}}
	p.process(context.Background(), batch)

	if len(st.appended) != 0 {
		t.Errorf("expected dedup to skip already-present row, got %d appended", len(st.appended))
	}
}

func TestAppendWithRetry_RecoversAfterTransientFailure(t *testing.T) {
	st := newFakeStore()
	st.failCount = 2
	p := New(Config{MaxRetries: 5, RetryBaseDelay: time.Millisecond, FallbackPath: t.TempDir() + "/spool.json"}, st, nil)

	ok := p.appendWithRetry(context.Background(), time.Now(), []model.MarketDataRow{{ID: "A_1"}})
	if !ok {
		t.Fatalf("expected eventual success after transient failures")
	}
}

func TestProcess_SpoolsOnExhaustedRetries(t *testing.T) {
	st := newFakeStore()
	st.appendErr = errors.New("permanent failure")
	st.failCount = 100
	spoolPath := t.TempDir() + "/spool.json"
	p := New(Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond, FallbackPath: spoolPath}, st, nil)

	batch := model.WriteBatch{WindowStart: time.Now(), Rows: []model.MarketDataRow{{ID: "A_1"}}}
	p.process(context.Background(), batch)

	spooled := p.loadSpool()
	if len(spooled) != 1 {
		t.Fatalf("expected batch to be spooled, got %d entries", len(spooled))
	}
}

func TestDrainFallback_ReplaysSpooledBatch(t *testing.T) {
	st := newFakeStore()
	spoolPath := t.TempDir() + "/spool.json"
	p := New(Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond, FallbackPath: spoolPath}, st, nil)

	p.saveSpool([]spooledBatch{{WindowStart: time.Now(), Rows: []model.MarketDataRow{{ID: "B_1"}}, ExpectedCount: 1}})

	p.drainFallback(context.Background())

	if len(st.appended) != 1 {
		t.Fatalf("expected spooled batch to be written, got %d rows appended", len(st.appended))
	}
	if remaining := p.loadSpool(); len(remaining) != 0 {
		t.Errorf("expected spool to be cleared after successful replay, got %d remaining", len(remaining))
	}
}

func TestSyncATRState_OverwritesTable(t *testing.T) {
	st := newFakeStore()
	rows := []store.ATRStateRow{{Ticker: "RELIANCE"}}
	if err := SyncATRState(context.Background(), st, rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.atrRows) != 1 {
		t.Errorf("expected atr_state to be overwritten with 1 row")
	}
}
