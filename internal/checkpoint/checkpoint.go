// Package checkpoint implements atomic local snapshotting of ATR state and
// the startup reconciliation protocol that compares it against the
// durable store to decide what state the engine resumes with.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"nse-volharvester/internal/model"
	"nse-volharvester/internal/store"
)

const divergenceEpsilon = 0.0001

// Manager owns the checkpoint directory exclusively.
type Manager struct {
	dir        string
	maxBackups int
	logger     *slog.Logger
}

// New returns a Manager rooted at dir, retaining up to maxBackups rotated
// copies alongside the canonical checkpoint.json.
func New(dir string, maxBackups int, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, maxBackups: maxBackups, logger: logger}
}

func (m *Manager) canonicalPath() string {
	return filepath.Join(m.dir, "checkpoint.json")
}

func (m *Manager) backupPath(k int) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%d.json", k))
}

// Save atomically writes rec as the canonical checkpoint: rotate existing
// backups, write to a temp file in the same directory, fsync, then rename
// over the canonical path.
func (m *Manager) Save(rec model.CheckpointRecord) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint mkdir: %w", err)
	}

	m.rotate()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, "checkpoint_tmp_*")
	if err != nil {
		return fmt.Errorf("checkpoint tempfile: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint close: %w", err)
	}
	if err := os.Rename(tmpPath, m.canonicalPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint rename: %w", err)
	}
	return nil
}

// rotate shifts checkpoint_{k-1} -> checkpoint_{k} for k = maxBackups..2,
// then copies the current canonical (pre-write) into checkpoint_1.
func (m *Manager) rotate() {
	for k := m.maxBackups; k >= 2; k-- {
		src := m.backupPath(k - 1)
		dst := m.backupPath(k)
		if data, err := os.ReadFile(src); err == nil {
			os.WriteFile(dst, data, 0o644)
		}
	}
	if data, err := os.ReadFile(m.canonicalPath()); err == nil {
		os.WriteFile(m.backupPath(1), data, 0o644)
	}
}

// Load tries the canonical checkpoint first; on parse failure or missing
// required fields it falls through the rotated backups in order. Returns
// nil, nil if none parse (including the case where no checkpoint exists).
func (m *Manager) Load() (*model.CheckpointRecord, error) {
	if rec, err := m.tryLoad(m.canonicalPath()); err == nil && rec != nil {
		return rec, nil
	}
	for k := 1; k <= m.maxBackups; k++ {
		if rec, err := m.tryLoad(m.backupPath(k)); err == nil && rec != nil {
			if m.logger != nil {
				m.logger.Warn("checkpoint fell through to backup", "backup", k)
			}
			return rec, nil
		}
	}
	return nil, nil
}

func (m *Manager) tryLoad(path string) (*model.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.LastWindow.IsZero() || rec.ATRState == nil {
		return nil, fmt.Errorf("checkpoint: missing required fields")
	}
	return &rec, nil
}

// SourceLabel identifies where the reconciled startup state came from.
type SourceLabel string

const (
	SourceFresh      SourceLabel = "fresh"
	SourceLocal      SourceLabel = "local"
	SourceSheets     SourceLabel = "sheets"
	SourceConsistent SourceLabel = "consistent"
)

// Reconcile implements the six-case startup reconciliation table,
// comparing the local checkpoint's last_window against the store's
// max(timestamp) in market_data.
func Reconcile(ctx context.Context, local *model.CheckpointRecord, st store.Store, logger *slog.Logger) (map[string]model.ATRState, SourceLabel, error) {
	storeMax, err := st.MaxMarketDataTimestamp(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("reconcile: store max timestamp: %w", err)
	}
	storePresent := !storeMax.IsZero()
	localPresent := local != nil

	switch {
	case !localPresent && !storePresent:
		return map[string]model.ATRState{}, SourceFresh, nil

	case !localPresent && storePresent:
		state, err := convertFromStore(ctx, st)
		if err != nil {
			return nil, "", err
		}
		return state, SourceSheets, nil

	case localPresent && !storePresent:
		return local.ATRState, SourceLocal, nil

	case local.LastWindow.Equal(storeMax):
		storeState, err := convertFromStore(ctx, st)
		if err == nil {
			countDivergences(local.ATRState, storeState, logger)
		}
		return local.ATRState, SourceConsistent, nil

	case local.LastWindow.After(storeMax):
		return local.ATRState, SourceLocal, nil

	default: // local.LastWindow.Before(storeMax)
		state, err := convertFromStore(ctx, st)
		if err != nil {
			return nil, "", err
		}
		return state, SourceSheets, nil
	}
}

func convertFromStore(ctx context.Context, st store.Store) (map[string]model.ATRState, error) {
	rows, err := st.ReadATRState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read atr_state: %w", err)
	}
	out := make(map[string]model.ATRState, len(rows))
	for _, r := range rows {
		out[r.Ticker] = model.ATRState{
			Symbol:        r.Ticker,
			PrevClose:     r.LastClose,
			PrevATR:       r.LastATR,
			LastTimestamp: r.LastTimestamp,
			CandleCount:   Period14If(r.LastATR),
		}
	}
	return out, nil
}

// Period14If returns 14 if atr is known (so the engine treats the
// instrument as past warmup), else 0.
func Period14If(atr *float64) int {
	if atr != nil {
		return 14
	}
	return 0
}

func countDivergences(local, remote map[string]model.ATRState, logger *slog.Logger) {
	if logger == nil {
		return
	}
	count := 0
	for symbol, l := range local {
		r, ok := remote[symbol]
		if !ok || l.PrevATR == nil || r.PrevATR == nil {
			continue
		}
		if math.Abs(*l.PrevATR-*r.PrevATR) > divergenceEpsilon {
			count++
		}
	}
	if count > 0 {
		logger.Warn("atr state divergence between local checkpoint and store", "count", count)
	}
}
