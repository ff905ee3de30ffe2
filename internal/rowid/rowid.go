// Package rowid generates the deterministic row identifiers that are the
// sole authority for write-pipeline deduplication.
package rowid

import (
	"fmt"
	"strings"
	"time"
)

const layout = "20060102_1504"

// Generate returns "{symbol}_{YYYYMMDD_HHmm}" for windowStart. Identical
// (symbol, windowStart) pairs always produce identical ids; distinct pairs
// always produce distinct ids.
func Generate(symbol string, windowStart time.Time) string {
	return symbol + "_" + windowStart.Format(layout)
}

// Parse splits a row id back into (symbol, timestamp string). Symbols may
// themselves contain underscores, so the split takes the last two
// underscore-delimited segments as the timestamp.
func Parse(id string) (symbol string, tsPart string, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("rowid: invalid format %q", id)
	}
	n := len(parts)
	symbol = strings.Join(parts[:n-2], "_")
	tsPart = parts[n-2] + "_" + parts[n-1]
	return symbol, tsPart, nil
}
