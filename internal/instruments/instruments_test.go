package instruments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"nse-volharvester/internal/model"
)

func sampleList() []model.Instrument {
	return []model.Instrument{
		{Token: "2885", Symbol: "RELIANCE", Segment: "NSE"},
		{Token: "11536", Symbol: "TCS", Segment: "NSE"},
	}
}

func TestFromSlice_ByToken(t *testing.T) {
	m := FromSlice(sampleList())

	inst, ok := m.ByToken("2885")
	if !ok {
		t.Fatalf("expected token 2885 to resolve")
	}
	if inst.Symbol != "RELIANCE" {
		t.Errorf("Symbol = %q, want RELIANCE", inst.Symbol)
	}

	if _, ok := m.ByToken("nonexistent"); ok {
		t.Errorf("unknown token should not resolve")
	}
}

func TestFromSlice_SymbolsAndSegment(t *testing.T) {
	m := FromSlice(sampleList())

	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
	if got := m.SegmentOf("TCS"); got != "NSE" {
		t.Errorf("SegmentOf(TCS) = %q, want NSE", got)
	}
	if got := m.SegmentOf("UNKNOWN"); got != "" {
		t.Errorf("SegmentOf(UNKNOWN) = %q, want empty", got)
	}

	symbols := m.Symbols()
	if len(symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(symbols))
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.json")
	data, _ := json.Marshal(sampleList())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/instruments.json"); err == nil {
		t.Errorf("expected error loading a missing file")
	}
}
