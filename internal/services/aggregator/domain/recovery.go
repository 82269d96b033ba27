package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/collate/internal/services/aggregator/storage"
)

const (
	defaultRecoveryInterval = 5 * time.Second
	defaultStaleThreshold   = 30 * time.Second
	defaultScanBatchSize    = 100
)

// RecoveryConfig controls the background redelivery loop.
type RecoveryConfig struct {
	// Interval is the pause between recovery scans.
	Interval time.Duration
	// StaleThreshold is the minimum age of a pending-confirm record before
	// it is redelivered. It should exceed the expected downstream
	// round-trip time to avoid spurious redelivery.
	StaleThreshold time.Duration
	// MaxRedeliveries bounds redelivery attempts per record; zero means
	// unbounded. A record over the bound moves to the exhausted state.
	MaxRedeliveries int
	// BatchSize caps how many records one scan processes.
	BatchSize int

	Clock func() time.Time
	Logf  func(format string, args ...any)

	// OnExhausted, when set, is invoked once per record that hits the
	// redelivery bound.
	OnExhausted func(record storage.AggregateRecord)
}

func (c RecoveryConfig) normalized() RecoveryConfig {
	if c.Interval <= 0 {
		c.Interval = defaultRecoveryInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultScanBatchSize
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// RecoveryManager periodically rescues completed aggregates whose
// confirmation never arrived, resubmitting them to the downstream sender
// with redelivery metadata.
type RecoveryManager struct {
	repository storage.Repository
	sender     Sender
	cfg        RecoveryConfig
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(repository storage.Repository, sender Sender, cfg RecoveryConfig) (*RecoveryManager, error) {
	if repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("downstream sender is required")
	}
	return &RecoveryManager{
		repository: repository,
		sender:     sender,
		cfg:        cfg.normalized(),
	}, nil
}

// Run executes recovery scans until ctx is canceled. Shutdown is
// cooperative: a scan already in flight finishes its batch before Run
// returns.
func (m *RecoveryManager) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep performs one recovery scan. Storage and send calls run on a
// detached context so cancellation between ticks never tears down a
// half-processed record.
func (m *RecoveryManager) sweep(ctx context.Context) {
	scanCtx := context.WithoutCancel(ctx)
	now := m.cfg.Clock()

	records, err := m.repository.ScanPendingOlderThan(scanCtx, now.Add(-m.cfg.StaleThreshold), m.cfg.BatchSize)
	if err != nil {
		m.cfg.Logf("recovery scan failed: %v", err)
		return
	}

	for _, record := range records {
		m.redeliver(scanCtx, record)
	}
}

// redeliver processes one stale record: advance its redelivery counter and
// resubmit, or exhaust it when past the bound. Individual failures are
// logged and skipped so one bad record cannot stall the batch.
func (m *RecoveryManager) redeliver(ctx context.Context, record storage.AggregateRecord) {
	newCount := record.RedeliveryCount + 1

	if m.cfg.MaxRedeliveries > 0 && newCount > m.cfg.MaxRedeliveries {
		err := m.repository.MarkExhausted(ctx, record.ExchangeID, m.cfg.Clock())
		if errors.Is(err, storage.ErrNotFound) {
			// Confirmed while we were scanning; nothing to exhaust.
			return
		}
		if err != nil {
			m.cfg.Logf("mark exchange %s exhausted: %v", record.ExchangeID, err)
			return
		}
		record.State = storage.StateExhausted
		m.cfg.Logf("exchange %s exhausted after %d redeliveries", record.ExchangeID, record.RedeliveryCount)
		if m.cfg.OnExhausted != nil {
			m.cfg.OnExhausted(record)
		}
		return
	}

	err := m.repository.MarkRedelivered(ctx, record.ExchangeID, newCount, m.cfg.Clock())
	if errors.Is(err, storage.ErrNotFound) {
		// A confirmation won the race for this record; skip silently.
		return
	}
	if err != nil {
		m.cfg.Logf("mark exchange %s redelivered: %v", record.ExchangeID, err)
		return
	}

	delivery := Delivery{
		ExchangeID:      record.ExchangeID,
		CorrelationKey:  record.CorrelationKey,
		Payload:         record.Payload,
		Redelivered:     true,
		RedeliveryCount: newCount,
	}
	if result := m.sender.Send(ctx, delivery); !result.Accepted {
		m.cfg.Logf("redelivery of exchange %s rejected: %s", record.ExchangeID, result.Reason)
	}
}
