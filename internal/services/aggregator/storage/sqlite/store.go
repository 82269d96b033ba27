// Package sqlite implements the aggregation Repository over a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/collate/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/collate/internal/services/aggregator/storage"
	"github.com/louisbranch/collate/internal/services/aggregator/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides SQLite-backed aggregate record persistence.
//
// A single SQLite file backs both live completions and recovery scans, so
// the confirm-vs-redeliver race resolves inside the database: guarded
// UPDATE/DELETE statements with rows-affected checks decide the winner.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an aggregation SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put upserts an aggregate record by exchange id.
func (s *Store) Put(ctx context.Context, record storage.AggregateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	record.ExchangeID = strings.TrimSpace(record.ExchangeID)
	record.CorrelationKey = strings.TrimSpace(record.CorrelationKey)
	if record.ExchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if record.CorrelationKey == "" {
		return fmt.Errorf("correlation key is required")
	}
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO aggregates (
	exchange_id,
	correlation_key,
	payload,
	sequence_count,
	state,
	redelivery_count,
	last_updated
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange_id) DO UPDATE SET
	correlation_key = excluded.correlation_key,
	payload = excluded.payload,
	sequence_count = excluded.sequence_count,
	state = excluded.state,
	redelivery_count = excluded.redelivery_count,
	last_updated = excluded.last_updated
`,
		record.ExchangeID,
		record.CorrelationKey,
		record.Payload,
		record.SequenceCount,
		string(record.State),
		record.RedeliveryCount,
		toMillis(record.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("put aggregate record: %w", err)
	}
	return nil
}

// Get returns the most recent record for a correlation key.
func (s *Store) Get(ctx context.Context, correlationKey string) (storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AggregateRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AggregateRecord{}, fmt.Errorf("storage is not configured")
	}

	correlationKey = strings.TrimSpace(correlationKey)
	if correlationKey == "" {
		return storage.AggregateRecord{}, fmt.Errorf("correlation key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	exchange_id,
	correlation_key,
	payload,
	sequence_count,
	state,
	redelivery_count,
	last_updated
FROM aggregates
WHERE correlation_key = ?
ORDER BY last_updated DESC, exchange_id DESC
LIMIT 1
`, correlationKey)
	record, err := scanAggregateRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AggregateRecord{}, storage.ErrNotFound
		}
		return storage.AggregateRecord{}, fmt.Errorf("get aggregate record: %w", err)
	}
	return record, nil
}

// Delete removes a record by exchange id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, exchangeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return false, fmt.Errorf("exchange id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM aggregates
WHERE exchange_id = ?
`, exchangeID)
	if err != nil {
		return false, fmt.Errorf("delete aggregate record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ScanPendingOlderThan returns up to limit stale pending-confirm records,
// oldest first.
func (s *Store) ScanPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	exchange_id,
	correlation_key,
	payload,
	sequence_count,
	state,
	redelivery_count,
	last_updated
FROM aggregates
WHERE state = ?
AND last_updated < ?
ORDER BY last_updated ASC, exchange_id ASC
LIMIT ?
`,
		string(storage.StatePendingConfirm),
		toMillis(cutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan pending aggregates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]storage.AggregateRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanAggregateRecord(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan pending aggregate: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending aggregates: %w", err)
	}
	return records, nil
}

// MarkRedelivered sets the redelivery counter and refreshes last_updated for
// a record still pending confirmation.
func (s *Store) MarkRedelivered(ctx context.Context, exchangeID string, newCount int, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if newCount <= 0 {
		return fmt.Errorf("redelivery count must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE aggregates
SET
	redelivery_count = ?,
	last_updated = ?
WHERE exchange_id = ?
AND state = ?
`,
		newCount,
		toMillis(now),
		exchangeID,
		string(storage.StatePendingConfirm),
	)
	if err != nil {
		return fmt.Errorf("mark aggregate redelivered: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark redelivered rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkExhausted moves a pending record to the exhausted state.
func (s *Store) MarkExhausted(ctx context.Context, exchangeID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE aggregates
SET
	state = ?,
	last_updated = ?
WHERE exchange_id = ?
AND state = ?
`,
		string(storage.StateExhausted),
		toMillis(now),
		exchangeID,
		string(storage.StatePendingConfirm),
	)
	if err != nil {
		return fmt.Errorf("mark aggregate exhausted: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark exhausted rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type aggregateScanner func(dest ...any) error

func scanAggregateRecord(scan aggregateScanner) (storage.AggregateRecord, error) {
	var (
		record      storage.AggregateRecord
		state       string
		lastUpdated int64
	)
	if err := scan(
		&record.ExchangeID,
		&record.CorrelationKey,
		&record.Payload,
		&record.SequenceCount,
		&state,
		&record.RedeliveryCount,
		&lastUpdated,
	); err != nil {
		return storage.AggregateRecord{}, err
	}
	record.State = storage.State(state)
	record.LastUpdated = fromMillis(lastUpdated)
	return record, nil
}
