package domain

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/collate/internal/platform/errors"
	"github.com/louisbranch/collate/internal/services/aggregator/storage"
)

// Tracker receives downstream acknowledgments and retires the matching
// repository records. Confirmation is the only path that removes a record;
// the recovery manager never deletes.
type Tracker struct {
	repository storage.Repository
	logf       func(format string, args ...any)
}

// NewTracker creates a confirmation tracker.
func NewTracker(repository storage.Repository, logf func(format string, args ...any)) (*Tracker, error) {
	if repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Tracker{repository: repository, logf: logf}, nil
}

// Confirm deletes the record for an exchange id.
//
// Confirm is idempotent: acknowledging an already-deleted exchange is a
// no-op, which covers the race where a redelivery and a delayed original
// confirmation both arrive for the same result.
func (t *Tracker) Confirm(ctx context.Context, exchangeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.repository == nil {
		return fmt.Errorf("tracker is not configured")
	}
	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}

	existed, err := t.repository.Delete(ctx, exchangeID)
	if err != nil {
		return errors.Wrap(errors.CodeStorageFailure, "confirm aggregate", err)
	}
	if !existed {
		t.logf("confirm for exchange %s found no record (already confirmed)", exchangeID)
	}
	return nil
}
