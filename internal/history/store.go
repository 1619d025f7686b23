// Package history persists the audit trail of rebalance runs. Every cycle,
// manual or scheduled, successful or not, appends exactly one row.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
)

const defaultListLimit = 100

// Store handles reads and writes of the rebalance_runs table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a history store on an open database handle.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
	}
}

// InitSchema creates the history table and its indexes.
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rebalance_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL,
			is_dry_run INTEGER NOT NULL,
			summary_message TEXT NOT NULL DEFAULT '',
			trades_executed TEXT NOT NULL DEFAULT '[]',
			errors TEXT NOT NULL DEFAULT '[]',
			total_fees_usd REAL NOT NULL DEFAULT 0,
			projected_balances TEXT,
			total_value_usd_before REAL,
			total_value_usd_after REAL
		);
		CREATE INDEX IF NOT EXISTS idx_rebalance_runs_timestamp ON rebalance_runs(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Append inserts one finished run. The timestamp is normalized to UTC
// before storage.
func (s *Store) Append(ctx context.Context, rec rebalance.RunRecord) error {
	trades, err := json.Marshal(rec.Trades)
	if err != nil {
		return fmt.Errorf("failed to encode trades: %w", err)
	}
	runErrors, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}
	var projected []byte
	if rec.ProjectedBalances != nil {
		projected, err = json.Marshal(rec.ProjectedBalances)
		if err != nil {
			return fmt.Errorf("failed to encode projected balances: %w", err)
		}
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rebalance_runs
		(run_id, timestamp, status, is_dry_run, summary_message, trades_executed,
		 errors, total_fees_usd, projected_balances, total_value_usd_before, total_value_usd_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		ts.UTC().Format(time.RFC3339Nano),
		rec.Status,
		rec.IsDryRun,
		rec.SummaryMessage,
		string(trades),
		string(runErrors),
		rec.TotalFeesUSD,
		nullableString(projected),
		rec.TotalValueUSDBefore,
		rec.TotalValueUSDAfter,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rebalance run: %w", err)
	}

	s.log.Info().Str("run_id", rec.RunID).Str("status", rec.Status).Msg("Saved rebalance run")
	return nil
}

// Latest returns the most recent run, or nil when the history is empty.
func (s *Store) Latest(ctx context.Context) (*rebalance.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns runs newest-first. A non-positive limit falls back to the
// default page size.
func (s *Store) List(ctx context.Context, limit int) ([]rebalance.RunRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	records := make([]rebalance.RunRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const selectColumns = `
	SELECT run_id, timestamp, status, is_dry_run, summary_message, trades_executed,
	       errors, total_fees_usd, projected_balances, total_value_usd_before, total_value_usd_after
	FROM rebalance_runs`

func scanRun(rows *sql.Rows) (rebalance.RunRecord, error) {
	var rec rebalance.RunRecord
	var ts, trades, runErrors string
	var projected sql.NullString

	err := rows.Scan(
		&rec.RunID,
		&ts,
		&rec.Status,
		&rec.IsDryRun,
		&rec.SummaryMessage,
		&trades,
		&runErrors,
		&rec.TotalFeesUSD,
		&projected,
		&rec.TotalValueUSDBefore,
		&rec.TotalValueUSDAfter,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan run: %w", err)
	}

	rec.Timestamp = parseTimestamp(ts)
	if err := json.Unmarshal([]byte(trades), &rec.Trades); err != nil {
		return rec, fmt.Errorf("failed to decode trades for run %s: %w", rec.RunID, err)
	}
	if err := json.Unmarshal([]byte(runErrors), &rec.Errors); err != nil {
		return rec, fmt.Errorf("failed to decode errors for run %s: %w", rec.RunID, err)
	}
	if projected.Valid && projected.String != "" {
		if err := json.Unmarshal([]byte(projected.String), &rec.ProjectedBalances); err != nil {
			return rec, fmt.Errorf("failed to decode projected balances for run %s: %w", rec.RunID, err)
		}
	}
	return rec, nil
}

// parseTimestamp reads a stored timestamp. Legacy rows without a zone
// designator are re-stamped as UTC.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
