package markethours

import (
	"testing"
	"time"

	"nse-volharvester/internal/calendar"
)

func TestIsMarketOpen_DuringSession(t *testing.T) {
	cal := calendar.Empty()
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, IST) // Monday, 10:00 IST
	if !IsMarketOpen(cal, t1) {
		t.Errorf("expected market open at 10:00 IST on a weekday")
	}
}

func TestIsMarketOpen_BeforeOpenAndAfterClose(t *testing.T) {
	cal := calendar.Empty()
	before := time.Date(2026, 1, 5, 9, 0, 0, 0, IST)
	after := time.Date(2026, 1, 5, 15, 31, 0, 0, IST)
	if IsMarketOpen(cal, before) {
		t.Errorf("expected market closed before 09:15")
	}
	if IsMarketOpen(cal, after) {
		t.Errorf("expected market closed after 15:30")
	}
}

func TestIsMarketOpen_Weekend(t *testing.T) {
	cal := calendar.Empty()
	saturday := time.Date(2026, 1, 3, 10, 0, 0, 0, IST)
	if IsMarketOpen(cal, saturday) {
		t.Errorf("expected market closed on Saturday")
	}
}

func TestNextOpen_SameDayBeforeOpen(t *testing.T) {
	cal := calendar.Empty()
	t1 := time.Date(2026, 1, 5, 8, 0, 0, 0, IST)
	open, err := NextOpen(cal, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open.Day() != 5 || open.Hour() != 9 || open.Minute() != 15 {
		t.Errorf("NextOpen = %v, want 2026-01-05 09:15 IST", open)
	}
}

func TestNextOpen_SkipsWeekend(t *testing.T) {
	cal := calendar.Empty()
	friday := time.Date(2026, 1, 2, 16, 0, 0, 0, IST) // after Friday close
	open, err := NextOpen(cal, friday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open.Weekday() != time.Monday {
		t.Errorf("NextOpen after Friday close = %v (%v), want Monday", open, open.Weekday())
	}
}

func TestWSConnectTime(t *testing.T) {
	open := time.Date(2026, 1, 5, 9, 15, 0, 0, IST)
	want := time.Date(2026, 1, 5, 9, 14, 0, 0, IST)
	if got := WSConnectTime(open); !got.Equal(want) {
		t.Errorf("WSConnectTime = %v, want %v", got, want)
	}
}

func TestTimeUntilClose_PastClose(t *testing.T) {
	close := time.Date(2026, 1, 5, 15, 30, 0, 0, IST)
	t1 := close.Add(time.Minute)
	if got := TimeUntilClose(t1, close); got != 0 {
		t.Errorf("TimeUntilClose after close = %v, want 0", got)
	}
}
