// Package instruments loads the static token->symbol/segment master list
// the feed client and orchestrator resolve every tick and bar against.
package instruments

import (
	"encoding/json"
	"fmt"
	"os"

	"nse-volharvester/internal/model"
)

// Master is an immutable, read-only-after-load instrument directory.
type Master struct {
	byToken  map[string]model.Instrument
	symbols  []string
	ordered  []model.Instrument
	segments map[string]string
}

// Load reads a JSON array of instruments from path.
func Load(path string) (*Master, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instruments: read %s: %w", path, err)
	}
	var list []model.Instrument
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("instruments: parse %s: %w", path, err)
	}
	return FromSlice(list), nil
}

// FromSlice builds a Master directly from an in-memory instrument list,
// used by tests and by callers that fetch the list from an API instead of
// a file.
func FromSlice(list []model.Instrument) *Master {
	m := &Master{
		byToken:  make(map[string]model.Instrument, len(list)),
		symbols:  make([]string, 0, len(list)),
		ordered:  append([]model.Instrument{}, list...),
		segments: make(map[string]string, len(list)),
	}
	for _, inst := range list {
		m.byToken[inst.Token] = inst
		m.symbols = append(m.symbols, inst.Symbol)
		m.segments[inst.Symbol] = inst.Segment
	}
	return m
}

// ByToken resolves a feed token to its instrument.
func (m *Master) ByToken(token string) (model.Instrument, bool) {
	inst, ok := m.byToken[token]
	return inst, ok
}

// All returns the full instrument list in load order.
func (m *Master) All() []model.Instrument {
	out := make([]model.Instrument, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// Symbols returns every tracked symbol.
func (m *Master) Symbols() []string {
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// SegmentOf returns the exchange segment for symbol, empty if unknown.
func (m *Master) SegmentOf(symbol string) string {
	return m.segments[symbol]
}

// Count returns the number of tracked instruments.
func (m *Master) Count() int {
	return len(m.ordered)
}
