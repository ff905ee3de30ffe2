package aggregator

import (
	"testing"
	"time"

	"nse-volharvester/internal/tickbuffer"
)

func TestStartWindow_SetsCollectingState(t *testing.T) {
	buf := tickbuffer.New()
	a := New(buf, []string{"RELIANCE"}, nil)

	w := time.Now()
	a.StartWindow(w)

	if a.State() != StateCollecting {
		t.Errorf("State() = %v, want COLLECTING", a.State())
	}
	cur, ok := a.CurrentWindow()
	if !ok || !cur.Equal(w) {
		t.Errorf("CurrentWindow() = (%v, %v), want (%v, true)", cur, ok, w)
	}
}

func TestFullLifecycle(t *testing.T) {
	buf := tickbuffer.New()
	a := New(buf, []string{"RELIANCE"}, nil)

	w := time.Now()
	a.StartWindow(w)
	buf.Update("RELIANCE", 100, w)

	a.BeginFreeze()
	if a.State() != StateFreezing {
		t.Fatalf("State() = %v, want FREEZING", a.State())
	}
	if !buf.IsFrozen() {
		t.Fatalf("buffer should be frozen after BeginFreeze")
	}

	window, bars := a.FinalizeWindow()
	if !window.Equal(w) {
		t.Errorf("finalized window = %v, want %v", window, w)
	}
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	if a.State() != StateFrozen {
		t.Errorf("State() = %v, want FROZEN", a.State())
	}

	next := w.Add(5 * time.Minute)
	a.TransitionToNextWindow(next)
	if a.State() != StateCollecting {
		t.Errorf("State() = %v, want COLLECTING after transition", a.State())
	}
	cur, _ := a.CurrentWindow()
	if !cur.Equal(next) {
		t.Errorf("CurrentWindow() = %v, want %v", cur, next)
	}
}

func TestBeginFreeze_NoOpWhenNotCollecting(t *testing.T) {
	buf := tickbuffer.New()
	a := New(buf, nil, nil)

	a.BeginFreeze() // still IDLE
	if a.State() != StateIdle {
		t.Errorf("State() = %v, want IDLE (freeze should be a no-op)", a.State())
	}
}

func TestFinalizeWindow_EmptyWhenIdle(t *testing.T) {
	buf := tickbuffer.New()
	a := New(buf, nil, nil)

	window, bars := a.FinalizeWindow()
	if !window.IsZero() || bars != nil {
		t.Errorf("expected zero-value result when finalizing from IDLE, got (%v, %v)", window, bars)
	}
}
