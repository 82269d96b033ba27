// Package memory implements the aggregation Repository in process memory.
//
// It is the reference backend: tests and single-process deployments that do
// not need crash durability use it, and its behavior defines the contract
// the durable backends must match.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/collate/internal/services/aggregator/storage"
)

// Store provides mutex-guarded in-memory aggregate record persistence.
type Store struct {
	mu      sync.RWMutex
	records map[string]storage.AggregateRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]storage.AggregateRecord)}
}

// Put upserts an aggregate record by exchange id.
func (s *Store) Put(ctx context.Context, record storage.AggregateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
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
	record.Payload = clonePayload(record.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ExchangeID] = record
	return nil
}

// Get returns the most recent record for a correlation key.
func (s *Store) Get(ctx context.Context, correlationKey string) (storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AggregateRecord{}, err
	}
	if s == nil {
		return storage.AggregateRecord{}, fmt.Errorf("storage is not configured")
	}

	correlationKey = strings.TrimSpace(correlationKey)
	if correlationKey == "" {
		return storage.AggregateRecord{}, fmt.Errorf("correlation key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found  bool
		latest storage.AggregateRecord
	)
	for _, record := range s.records {
		if record.CorrelationKey != correlationKey {
			continue
		}
		if !found || record.LastUpdated.After(latest.LastUpdated) {
			latest = record
			found = true
		}
	}
	if !found {
		return storage.AggregateRecord{}, storage.ErrNotFound
	}
	latest.Payload = clonePayload(latest.Payload)
	return latest, nil
}

// Delete removes a record by exchange id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, exchangeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return false, fmt.Errorf("exchange id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.records[exchangeID]
	delete(s.records, exchangeID)
	return existed, nil
}

// ScanPendingOlderThan returns up to limit stale pending-confirm records,
// oldest first.
func (s *Store) ScanPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]storage.AggregateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]storage.AggregateRecord, 0, limit)
	for _, record := range s.records {
		if record.State != storage.StatePendingConfirm {
			continue
		}
		if !record.LastUpdated.Before(cutoff) {
			continue
		}
		record.Payload = clonePayload(record.Payload)
		matched = append(matched, record)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[exchangeID]
	if !ok || record.State != storage.StatePendingConfirm {
		return storage.ErrNotFound
	}
	record.RedeliveryCount = newCount
	record.LastUpdated = now.UTC()
	s.records[exchangeID] = record
	return nil
}

// MarkExhausted moves a pending record to the exhausted state.
func (s *Store) MarkExhausted(ctx context.Context, exchangeID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("storage is not configured")
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[exchangeID]
	if !ok || record.State != storage.StatePendingConfirm {
		return storage.ErrNotFound
	}
	record.State = storage.StateExhausted
	record.LastUpdated = now.UTC()
	s.records[exchangeID] = record
	return nil
}

func clonePayload(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
