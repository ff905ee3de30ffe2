package feed

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"nse-volharvester/internal/instruments"
	"nse-volharvester/internal/model"
	"nse-volharvester/internal/tickbuffer"
	"nse-volharvester/internal/timegrid"
)

func testClient() (*Client, *tickbuffer.Buffer, time.Time) {
	open := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	close := time.Date(2026, 1, 5, 15, 30, 0, 0, time.UTC)
	grid := timegrid.New(open, close, 5*time.Minute)

	master := instruments.FromSlice([]model.Instrument{{Token: "2885", Symbol: "RELIANCE", Segment: "NSE"}})
	buffer := tickbuffer.New()
	buffer.SetActiveWindow(open)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cli := New(DefaultConfig(), "wss://unused.invalid", nil, buffer, grid, master, logger)
	return cli, buffer, open
}

func TestHandleTick_ValidTickUpdatesBuffer(t *testing.T) {
	cli, buffer, open := testClient()

	ts := open.Add(2 * time.Minute).Unix()
	raw := []byte(`{"tk":"2885","ltp":101.5,"exchange_timestamp":` + strconv.FormatInt(ts, 10) + `}`)
	cli.handleTick(raw)

	_, bars := buffer.SnapshotAndReset(nil)
	bar, ok := bars["RELIANCE"]
	if !ok {
		t.Fatalf("expected RELIANCE bar after a valid tick")
	}
	if bar.Close != 101.5 {
		t.Errorf("Close = %v, want 101.5", bar.Close)
	}
}

func TestHandleTick_UnknownTokenIgnored(t *testing.T) {
	cli, buffer, open := testClient()
	ts := open.Add(time.Minute).Unix()
	raw := []byte(`{"tk":"99999","ltp":50,"exchange_timestamp":` + strconv.FormatInt(ts, 10) + `}`)
	cli.handleTick(raw)

	_, bars := buffer.SnapshotAndReset(nil)
	if len(bars) != 0 {
		t.Errorf("expected no bars for an unknown token, got %d", len(bars))
	}
}

func TestHandleTick_OutsideSessionIgnored(t *testing.T) {
	cli, buffer, open := testClient()
	before := open.Add(-time.Hour).Unix()
	raw := []byte(`{"tk":"2885","ltp":50,"exchange_timestamp":` + strconv.FormatInt(before, 10) + `}`)
	cli.handleTick(raw)

	_, bars := buffer.SnapshotAndReset(nil)
	if len(bars) != 0 {
		t.Errorf("expected no bars for a tick outside the session, got %d", len(bars))
	}
}

func TestHandleTick_MalformedJSONDoesNotPanic(t *testing.T) {
	cli, _, _ := testClient()
	cli.handleTick([]byte(`not json`))
	// No assertion beyond "did not panic" plus parse-error counting below.
	rep := cli.latency.ReportAndReset()
	if rep.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", rep.ParseErrors)
	}
}

func TestHandleTick_AlternateFieldNames(t *testing.T) {
	cli, buffer, open := testClient()
	ts := open.Add(time.Minute).Unix()
	raw := []byte(`{"instrument_token":"2885","last_traded_price":99.9,"ft":` + strconv.FormatInt(ts, 10) + `}`)
	cli.handleTick(raw)

	_, bars := buffer.SnapshotAndReset(nil)
	if bars["RELIANCE"].Close != 99.9 {
		t.Errorf("expected alternate field names to resolve, got %+v", bars["RELIANCE"])
	}
}

func TestCheckHeartbeat_TrueBeforeFirstTick(t *testing.T) {
	cli, _, _ := testClient()
	if !cli.CheckHeartbeat() {
		t.Errorf("CheckHeartbeat should be true before any tick has arrived")
	}
}

func TestCheckHeartbeat_FalseAfterSilence(t *testing.T) {
	cli, _, _ := testClient()
	cli.cfg.HeartbeatSilence = time.Millisecond
	cli.lastTickMonoSet = time.Now().Add(-time.Hour)

	if cli.CheckHeartbeat() {
		t.Errorf("CheckHeartbeat should be false after exceeding silence window")
	}
}
