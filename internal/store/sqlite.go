package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"nse-volharvester/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-connection SQLite implementation of Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and creates, if absent) the database at path in
// WAL mode with a single-writer connection pool.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying *sql.DB for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS market_data (
			id         TEXT PRIMARY KEY,
			timestamp  TEXT NOT NULL,
			ticker     TEXT NOT NULL,
			segment    TEXT NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			tr         REAL NOT NULL,
			atr        REAL,
			volume     TEXT,
			gap_filled INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS atr_state (
			ticker     TEXT PRIMARY KEY,
			last_close REAL,
			last_atr   REAL,
			last_timestamp INTEGER,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS system_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  TEXT NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			window     TEXT,
			details    TEXT
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}

	seed := map[string]string{
		"schema_version": "1.0",
		"atr_period":     "14",
		"timezone":       "IST",
		"tickers_count":  "178",
	}
	for k, v := range seed {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("sqlite metadata seed %s: %w", k, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ExistingIDs(ctx context.Context, windowStart time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM market_data WHERE timestamp = ?`, windowStart.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("sqlite existing ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMarketData(ctx context.Context, rows []model.MarketDataRow) (AppendResult, error) {
	if len(rows) == 0 {
		return AppendResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data (id, timestamp, ticker, segment, open, high, low, close, tr, atr, volume, gap_filled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return AppendResult{}, err
	}
	defer stmt.Close()

	updated := 0
	for _, r := range rows {
		var atr interface{}
		if r.ATR != nil {
			atr = *r.ATR
		}
		res, err := stmt.ExecContext(ctx, r.ID, r.Timestamp.Format(time.RFC3339), r.Ticker, r.Segment,
			r.Open, r.High, r.Low, r.Close, r.TR, atr, r.Volume, r.GapFilled, r.CreatedAt.Format(time.RFC3339))
		if err != nil {
			tx.Rollback()
			return AppendResult{}, err
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{UpdatedRows: updated}, nil
}

func (s *SQLiteStore) OverwriteATRState(ctx context.Context, rows []ATRStateRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM atr_state`); err != nil {
		tx.Rollback()
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO atr_state (ticker, last_close, last_atr, last_timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		var lc, la interface{}
		if r.LastClose != nil {
			lc = *r.LastClose
		}
		if r.LastATR != nil {
			la = *r.LastATR
		}
		if _, err := stmt.ExecContext(ctx, r.Ticker, lc, la, r.LastTimestamp, r.UpdatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ReadATRState(ctx context.Context) ([]ATRStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, last_close, last_atr, last_timestamp, updated_at FROM atr_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ATRStateRow
	for rows.Next() {
		var r ATRStateRow
		var lc, la sql.NullFloat64
		var updatedAt string
		if err := rows.Scan(&r.Ticker, &lc, &la, &r.LastTimestamp, &updatedAt); err != nil {
			return nil, err
		}
		if lc.Valid {
			v := lc.Float64
			r.LastClose = &v
		}
		if la.Valid {
			v := la.Float64
			r.LastATR = &v
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxMarketDataTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM market_data`).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ts.String)
}

func (s *SQLiteStore) AppendLog(ctx context.Context, ts time.Time, level, event, window, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_log (timestamp, level, event, window, details) VALUES (?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339), level, event, window, details)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
