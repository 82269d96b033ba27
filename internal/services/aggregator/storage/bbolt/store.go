// Package bbolt implements the aggregation Repository over a BoltDB file.
//
// Records are stored JSON-encoded under their exchange id; a secondary
// bucket indexes the latest exchange id per correlation key. BoltDB's
// single-writer transactions give the atomic check-then-act the Repository
// contract requires without row-level SQL guards.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/collate/internal/services/aggregator/storage"
	"go.etcd.io/bbolt"
)

const (
	recordBucket = "aggregate"
	keyBucket    = "aggregate_by_key"
)

// storedRecord is the JSON shape persisted per aggregate record.
type storedRecord struct {
	CorrelationKey  string `json:"correlation_key"`
	ExchangeID      string `json:"exchange_id"`
	Payload         []byte `json:"payload"`
	SequenceCount   int    `json:"sequence_count"`
	State           string `json:"state"`
	RedeliveryCount int    `json:"redelivery_count"`
	LastUpdatedMs   int64  `json:"last_updated_ms"`
}

// Store provides a BoltDB-backed aggregate record store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put persists an aggregate record.
func (s *Store) Put(ctx context.Context, record storage.AggregateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
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

	payload, err := json.Marshal(encodeRecord(record))
	if err != nil {
		return fmt.Errorf("marshal aggregate record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		if records == nil {
			return fmt.Errorf("aggregate bucket is missing")
		}
		if err := records.Put(recordKey(record.ExchangeID), payload); err != nil {
			return fmt.Errorf("put aggregate record: %w", err)
		}
		index := tx.Bucket([]byte(keyBucket))
		if index == nil {
			return fmt.Errorf("aggregate index bucket is missing")
		}
		return index.Put(indexKey(record.CorrelationKey, record.ExchangeID), nil)
	})
}

// Get fetches the most recent record for a correlation key.
func (s *Store) Get(ctx context.Context, correlationKey string) (storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AggregateRecord{}, err
	}
	if s == nil || s.db == nil {
		return storage.AggregateRecord{}, fmt.Errorf("storage is not configured")
	}
	correlationKey = strings.TrimSpace(correlationKey)
	if correlationKey == "" {
		return storage.AggregateRecord{}, fmt.Errorf("correlation key is required")
	}

	var (
		found  bool
		latest storage.AggregateRecord
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		index := tx.Bucket([]byte(keyBucket))
		if records == nil || index == nil {
			return fmt.Errorf("aggregate buckets are missing")
		}

		prefix := indexPrefix(correlationKey)
		cursor := index.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			exchangeID := string(k[len(prefix):])
			payload := records.Get(recordKey(exchangeID))
			if payload == nil {
				continue
			}
			record, decodeErr := decodeRecord(payload)
			if decodeErr != nil {
				return decodeErr
			}
			if !found || record.LastUpdated.After(latest.LastUpdated) {
				latest = record
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return storage.AggregateRecord{}, err
	}
	if !found {
		return storage.AggregateRecord{}, storage.ErrNotFound
	}
	return latest, nil
}

// Delete removes a record by exchange id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, exchangeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.db == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return false, fmt.Errorf("exchange id is required")
	}

	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		if records == nil {
			return fmt.Errorf("aggregate bucket is missing")
		}
		payload := records.Get(recordKey(exchangeID))
		if payload == nil {
			return nil
		}
		record, decodeErr := decodeRecord(payload)
		if decodeErr != nil {
			return decodeErr
		}
		if err := records.Delete(recordKey(exchangeID)); err != nil {
			return fmt.Errorf("delete aggregate record: %w", err)
		}
		index := tx.Bucket([]byte(keyBucket))
		if index == nil {
			return fmt.Errorf("aggregate index bucket is missing")
		}
		if err := index.Delete(indexKey(record.CorrelationKey, exchangeID)); err != nil {
			return fmt.Errorf("delete aggregate index: %w", err)
		}
		existed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// ScanPendingOlderThan returns up to limit stale pending-confirm records,
// oldest first.
func (s *Store) ScanPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}

	matched := make([]storage.AggregateRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		if records == nil {
			return fmt.Errorf("aggregate bucket is missing")
		}
		return records.ForEach(func(_, payload []byte) error {
			record, decodeErr := decodeRecord(payload)
			if decodeErr != nil {
				return decodeErr
			}
			if record.State != storage.StatePendingConfirm {
				return nil
			}
			if !record.LastUpdated.Before(cutoff) {
				return nil
			}
			matched = append(matched, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastUpdated.Equal(matched[j].LastUpdated) {
			return matched[i].ExchangeID < matched[j].ExchangeID
		}
		return matched[i].LastUpdated.Before(matched[j].LastUpdated)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// MarkRedelivered sets the redelivery counter and refreshes LastUpdated for
// a record still pending confirmation.
func (s *Store) MarkRedelivered(ctx context.Context, exchangeID string, newCount int, now time.Time) error {
	return s.updatePending(ctx, exchangeID, func(record *storage.AggregateRecord) error {
		if newCount <= 0 {
			return fmt.Errorf("redelivery count must be greater than zero")
		}
		record.RedeliveryCount = newCount
		record.LastUpdated = normalizeNow(now)
		return nil
	})
}

// MarkExhausted moves a pending record to the exhausted state.
func (s *Store) MarkExhausted(ctx context.Context, exchangeID string, now time.Time) error {
	return s.updatePending(ctx, exchangeID, func(record *storage.AggregateRecord) error {
		record.State = storage.StateExhausted
		record.LastUpdated = normalizeNow(now)
		return nil
	})
}

// updatePending applies mutate to a record guarded on the pending state,
// inside a single write transaction.
func (s *Store) updatePending(ctx context.Context, exchangeID string, mutate func(*storage.AggregateRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		if records == nil {
			return fmt.Errorf("aggregate bucket is missing")
		}
		payload := records.Get(recordKey(exchangeID))
		if payload == nil {
			return storage.ErrNotFound
		}
		record, decodeErr := decodeRecord(payload)
		if decodeErr != nil {
			return decodeErr
		}
		if record.State != storage.StatePendingConfirm {
			return storage.ErrNotFound
		}
		if err := mutate(&record); err != nil {
			return err
		}
		updated, err := json.Marshal(encodeRecord(record))
		if err != nil {
			return fmt.Errorf("marshal aggregate record: %w", err)
		}
		return records.Put(recordKey(exchangeID), updated)
	})
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucket)); err != nil {
			return fmt.Errorf("create aggregate bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keyBucket)); err != nil {
			return fmt.Errorf("create aggregate index bucket: %w", err)
		}
		return nil
	})
}

func encodeRecord(record storage.AggregateRecord) storedRecord {
	return storedRecord{
		CorrelationKey:  record.CorrelationKey,
		ExchangeID:      record.ExchangeID,
		Payload:         record.Payload,
		SequenceCount:   record.SequenceCount,
		State:           string(record.State),
		RedeliveryCount: record.RedeliveryCount,
		LastUpdatedMs:   record.LastUpdated.UTC().UnixMilli(),
	}
}

func decodeRecord(payload []byte) (storage.AggregateRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		return storage.AggregateRecord{}, fmt.Errorf("unmarshal aggregate record: %w", err)
	}
	return storage.AggregateRecord{
		CorrelationKey:  stored.CorrelationKey,
		ExchangeID:      stored.ExchangeID,
		Payload:         stored.Payload,
		SequenceCount:   stored.SequenceCount,
		State:           storage.State(stored.State),
		RedeliveryCount: stored.RedeliveryCount,
		LastUpdated:     time.UnixMilli(stored.LastUpdatedMs).UTC(),
	}, nil
}

func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}

func recordKey(exchangeID string) []byte {
	return []byte(exchangeID)
}

func indexKey(correlationKey, exchangeID string) []byte {
	return append(indexPrefix(correlationKey), exchangeID...)
}

// indexPrefix length-prefixes the correlation key so a key containing
// another key plus a separator cannot alias its index range.
func indexPrefix(correlationKey string) []byte {
	prefix := make([]byte, 4, 4+len(correlationKey))
	binary.BigEndian.PutUint32(prefix, uint32(len(correlationKey)))
	return append(prefix, correlationKey...)
}
