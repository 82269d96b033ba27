package domain

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/collate/internal/platform/errors"
	"github.com/louisbranch/collate/internal/platform/id"
	"github.com/louisbranch/collate/internal/services/aggregator/storage"
)

// Outcome reports what OnMessage did with an inbound message.
type Outcome struct {
	// Completed is true when this message satisfied the completion
	// predicate; Record then holds the persisted pending-confirm record.
	Completed bool
	Record    storage.AggregateRecord

	// SequenceCount is how many messages the key's aggregate holds after
	// this merge, whether or not it completed.
	SequenceCount int
}

// EngineConfig wires the collaborators of a completion engine.
type EngineConfig struct {
	Strategy   AggregationStrategy
	Predicate  CompletionPredicate
	Repository storage.Repository
	Sender     Sender

	// Clock and NewExchangeID default to the wall clock and platform ids;
	// tests inject deterministic replacements.
	Clock         func() time.Time
	NewExchangeID func() (string, error)
	Logf          func(format string, args ...any)
}

// Engine holds the in-memory working set of aggregating records and applies
// the strategy per arriving message.
//
// Working-set records never touch the Repository: durability starts at the
// moment a record completes and transitions to pending-confirm.
type Engine struct {
	strategy      AggregationStrategy
	predicate     CompletionPredicate
	repository    storage.Repository
	sender        Sender
	clock         func() time.Time
	newExchangeID func() (string, error)
	logf          func(format string, args ...any)

	mu     sync.Mutex
	groups map[string]*group
}

// group serializes messages for one correlation key. done flips once the
// group completes, so a caller that raced the completion re-resolves the
// key against the map instead of merging into a finished aggregate.
type group struct {
	mu     sync.Mutex
	record storage.AggregateRecord
	done   bool
}

// NewEngine creates a completion engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("aggregation strategy is required")
	}
	if cfg.Predicate == nil {
		return nil, fmt.Errorf("completion predicate is required")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("downstream sender is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newExchangeID := cfg.NewExchangeID
	if newExchangeID == nil {
		newExchangeID = id.NewID
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Engine{
		strategy:      cfg.Strategy,
		predicate:     cfg.Predicate,
		repository:    cfg.Repository,
		sender:        cfg.Sender,
		clock:         clock,
		newExchangeID: newExchangeID,
		logf:          logf,
		groups:        make(map[string]*group),
	}, nil
}

// OnMessage merges one inbound message into the aggregate for its
// correlation key and completes the aggregate when the predicate is met.
//
// On completion the record is persisted as pending-confirm before the
// downstream send; a failed persist surfaces to the caller and leaves the
// merged record aggregating in memory so the transport can retry. A failed
// downstream send is not an error: the record is already durable and the
// recovery manager redelivers it.
func (e *Engine) OnMessage(ctx context.Context, correlationKey string, message Message) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	correlationKey = strings.TrimSpace(correlationKey)
	if correlationKey == "" {
		return Outcome{}, errors.New(errors.CodeAggregateKeyEmpty, "correlation key is required")
	}

	g := e.resolveGroup(correlationKey)
	g.mu.Lock()
	for g.done {
		// Lost a race against this key's completion; the finished group has
		// left the map, so re-resolve the key to start a fresh aggregate.
		g.mu.Unlock()
		g = e.resolveGroup(correlationKey)
		g.mu.Lock()
	}

	var existing []byte
	if g.record.SequenceCount > 0 {
		existing = g.record.Payload
	}
	combined, err := e.strategy.Combine(existing, message)
	if err != nil {
		g.mu.Unlock()
		return Outcome{}, errors.Wrap(errors.CodeAggregateStrategy, "combine message", err)
	}

	g.record.CorrelationKey = correlationKey
	g.record.Payload = combined
	g.record.SequenceCount++
	g.record.State = storage.StateAggregating
	g.record.LastUpdated = e.clock()

	if !e.predicate.Complete(g.record) {
		count := g.record.SequenceCount
		g.mu.Unlock()
		return Outcome{SequenceCount: count}, nil
	}

	record, err := e.complete(ctx, g)
	g.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}

	// Send after releasing the key lock so a slow consumer never stalls
	// unrelated keys. Fire-and-forget: confirmation or recovery takes over.
	delivery := Delivery{
		ExchangeID:     record.ExchangeID,
		CorrelationKey: record.CorrelationKey,
		Payload:        record.Payload,
	}
	if result := e.sender.Send(ctx, delivery); !result.Accepted {
		e.logf("downstream rejected exchange %s: %s", record.ExchangeID, result.Reason)
	}
	return Outcome{Completed: true, Record: record, SequenceCount: record.SequenceCount}, nil
}

// complete transitions a group to pending-confirm. Called with the group
// lock held so no second message for the key merges mid-transition.
func (e *Engine) complete(ctx context.Context, g *group) (storage.AggregateRecord, error) {
	exchangeID, err := e.newExchangeID()
	if err != nil {
		return storage.AggregateRecord{}, fmt.Errorf("stamp exchange id: %w", err)
	}

	record := g.record
	record.ExchangeID = exchangeID
	record.State = storage.StatePendingConfirm
	record.LastUpdated = e.clock()

	if err := e.repository.Put(ctx, record); err != nil {
		// Completion did not take effect: keep aggregating in memory and
		// surface the failure for retry by the caller.
		return storage.AggregateRecord{}, errors.Wrap(errors.CodeStorageFailure, "persist completed aggregate", err)
	}

	g.record = record
	g.done = true
	e.mu.Lock()
	delete(e.groups, record.CorrelationKey)
	e.mu.Unlock()
	return record, nil
}

// resolveGroup returns the live group for a key, creating one when absent.
func (e *Engine) resolveGroup(correlationKey string) *group {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[correlationKey]
	if !ok {
		g = &group{}
		e.groups[correlationKey] = g
	}
	return g
}

// Pending reports how many keys are currently aggregating in memory.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups)
}
