package rowid

import (
	"testing"
	"time"
)

func TestGenerate_Deterministic(t *testing.T) {
	w := time.Date(2026, 1, 5, 9, 20, 0, 0, time.UTC)
	a := Generate("RELIANCE", w)
	b := Generate("RELIANCE", w)
	if a != b {
		t.Errorf("Generate not deterministic: %q != %q", a, b)
	}
	if a != "RELIANCE_20260105_0920" {
		t.Errorf("Generate = %q, want RELIANCE_20260105_0920", a)
	}
}

func TestGenerate_DistinctForDistinctInputs(t *testing.T) {
	w := time.Date(2026, 1, 5, 9, 20, 0, 0, time.UTC)
	a := Generate("RELIANCE", w)
	b := Generate("TCS", w)
	c := Generate("RELIANCE", w.Add(5*time.Minute))
	if a == b || a == c || b == c {
		t.Errorf("expected three distinct ids, got %q %q %q", a, b, c)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	w := time.Date(2026, 1, 5, 9, 20, 0, 0, time.UTC)
	id := Generate("NIFTY_50", w)
	symbol, tsPart, err := Parse(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if symbol != "NIFTY_50" {
		t.Errorf("symbol = %q, want NIFTY_50", symbol)
	}
	if tsPart != "20260105_0920" {
		t.Errorf("tsPart = %q, want 20260105_0920", tsPart)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	if _, _, err := Parse("not-an-id"); err == nil {
		t.Errorf("expected error for malformed id")
	}
}
