package atrengine

import (
	"testing"
	"time"

	"nse-volharvester/internal/model"
)

func bar(high, low, close float64, window time.Time) model.OHLCBar {
	return model.OHLCBar{WindowStart: window, High: high, Low: low, Close: close, Open: close}
}

func TestProcessBatch_WarmupWithholdsATR(t *testing.T) {
	e := New(nil, nil)
	window := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)

	for i := 0; i < Period-1; i++ {
		w := window.Add(time.Duration(i) * 5 * time.Minute)
		out := e.ProcessBatch(w, map[string]model.OHLCBar{"RELIANCE": bar(101, 99, 100, w)}, map[string]string{"RELIANCE": "NSE"})
		if out[0].ATR != nil {
			t.Fatalf("ATR should be nil before %d bars, got non-nil at bar %d", Period, i+1)
		}
	}

	w := window.Add(time.Duration(Period-1) * 5 * time.Minute)
	out := e.ProcessBatch(w, map[string]model.OHLCBar{"RELIANCE": bar(101, 99, 100, w)}, map[string]string{"RELIANCE": "NSE"})
	if out[0].ATR == nil {
		t.Fatalf("ATR should be seeded on the %d-th bar", Period)
	}
}

func TestProcessBatch_TrueRangeUsesPrevClose(t *testing.T) {
	e := New(nil, nil)
	w1 := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	out1 := e.ProcessBatch(w1, map[string]model.OHLCBar{"TCS": bar(105, 100, 102, w1)}, map[string]string{"TCS": "NSE"})
	if out1[0].TR != 5 {
		t.Errorf("first bar TR = %v, want high-low = 5 (no prevClose)", out1[0].TR)
	}

	w2 := w1.Add(5 * time.Minute)
	out2 := e.ProcessBatch(w2, map[string]model.OHLCBar{"TCS": bar(110, 108, 109, w2)}, map[string]string{"TCS": "NSE"})
	// high-low=2, |high-prevClose|=|110-102|=8, |low-prevClose|=|108-102|=6 -> TR=8
	if out2[0].TR != 8 {
		t.Errorf("second bar TR = %v, want 8", out2[0].TR)
	}
}

func TestProcessBatch_NegativeATRClampedToZero(t *testing.T) {
	e := New(nil, nil)
	st := &model.ATRState{Symbol: "X"}
	seed := -1.0
	st.PrevATR = &seed
	e.states["X"] = st

	next := e.update(st, 0)
	if next == nil || *next != 0 {
		t.Errorf("expected clamped ATR of 0, got %v", next)
	}
}

func TestExportLoadState_RoundTrips(t *testing.T) {
	e := New(nil, nil)
	w := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	for i := 0; i < Period; i++ {
		ww := w.Add(time.Duration(i) * 5 * time.Minute)
		e.ProcessBatch(ww, map[string]model.OHLCBar{"INFY": bar(101, 99, 100, ww)}, map[string]string{"INFY": "NSE"})
	}

	snapshot := e.ExportState()
	e2 := New(nil, nil)
	e2.LoadState(snapshot)

	sum1 := e.GetSummaries()
	sum2 := e2.GetSummaries()
	if len(sum1) != 1 || len(sum2) != 1 {
		t.Fatalf("expected 1 summary in each engine")
	}
	if *sum1[0].LastATR != *sum2[0].LastATR {
		t.Errorf("ATR mismatch after LoadState: %v != %v", *sum1[0].LastATR, *sum2[0].LastATR)
	}
}
