// Package storage defines the persistence contracts for the aggregation
// service. Backends under storage/sqlite, storage/bbolt, and storage/memory
// implement the Repository contract; the completion engine and recovery
// manager depend only on this package.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/collate/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// State is the lifecycle state of an aggregate record.
type State string

const (
	// StateAggregating marks a record still collecting messages. Records in
	// this state live only in the engine's working set and are never written
	// to a Repository.
	StateAggregating State = "aggregating"

	// StatePendingConfirm marks a completed record that has been handed to
	// the downstream sender and is awaiting confirmation.
	StatePendingConfirm State = "pending_confirm"

	// StateExhausted marks a record that hit the redelivery bound. It is
	// excluded from recovery scans but kept for operator inspection until
	// confirmed or purged.
	StateExhausted State = "exhausted"
)

// AggregateRecord is one aggregation result keyed by correlation key.
//
// ExchangeID is stamped once, at completion time, and identifies this
// result across redeliveries and confirmation. RedeliveryCount only
// increases; LastUpdated drives staleness decisions in recovery scans.
type AggregateRecord struct {
	CorrelationKey  string
	ExchangeID      string
	Payload         []byte
	SequenceCount   int
	State           State
	RedeliveryCount int
	LastUpdated     time.Time
}

// Repository persists completed-but-unconfirmed aggregate records.
//
// Implementations must support concurrent calls for independent records and
// resolve same-record races (a confirm racing a redelivery) atomically:
// Delete reports whether the record existed, and MarkRedelivered only
// applies while the record is still pending confirmation.
type Repository interface {
	// Put upserts a record by correlation key and exchange id.
	Put(ctx context.Context, record AggregateRecord) error

	// Get returns the most recent record for a correlation key, or
	// ErrNotFound.
	Get(ctx context.Context, correlationKey string) (AggregateRecord, error)

	// Delete removes a record by exchange id and reports whether it existed.
	// Deleting an absent record is not an error.
	Delete(ctx context.Context, exchangeID string) (bool, error)

	// ScanPendingOlderThan returns up to limit pending-confirm records whose
	// LastUpdated precedes cutoff, oldest first. Exhausted and deleted
	// records are never returned.
	ScanPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]AggregateRecord, error)

	// MarkRedelivered sets the redelivery counter and refreshes LastUpdated
	// for a record still in pending confirmation. Returns ErrNotFound when
	// the record no longer exists or already left the pending state, which
	// callers treat as a benign lost race.
	MarkRedelivered(ctx context.Context, exchangeID string, newCount int, now time.Time) error

	// MarkExhausted moves a pending record to the exhausted state. Returns
	// ErrNotFound when the record no longer exists in the pending state.
	MarkExhausted(ctx context.Context, exchangeID string, now time.Time) error
}
