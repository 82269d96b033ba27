// Package domain implements the aggregation engine: grouping inbound
// messages by correlation key, evaluating completion, handing completed
// aggregates to the downstream sender, and recovering unconfirmed results.
package domain

import "github.com/louisbranch/collate/internal/services/aggregator/storage"

// Message is one inbound unit of work for a correlation key. The body is
// opaque to the engine; only the configured strategy interprets it.
type Message struct {
	Body []byte
}

// AggregationStrategy combines an existing aggregate payload with an
// incoming message.
//
// Combine receives a nil existing payload for the first message of a key.
// Messages for the same key are combined strictly in arrival order; calls
// for distinct keys may run concurrently.
type AggregationStrategy interface {
	Combine(existing []byte, incoming Message) ([]byte, error)
}

// StrategyFunc adapts a function to the AggregationStrategy interface.
type StrategyFunc func(existing []byte, incoming Message) ([]byte, error)

// Combine implements AggregationStrategy.
func (f StrategyFunc) Combine(existing []byte, incoming Message) ([]byte, error) {
	return f(existing, incoming)
}

// ConcatStrategy appends each message body to the aggregate in arrival
// order. It is the default strategy for byte-oriented pipelines.
func ConcatStrategy() AggregationStrategy {
	return StrategyFunc(func(existing []byte, incoming Message) ([]byte, error) {
		combined := make([]byte, 0, len(existing)+len(incoming.Body))
		combined = append(combined, existing...)
		combined = append(combined, incoming.Body...)
		return combined, nil
	})
}

// CompletionPredicate decides whether an aggregating record is complete.
type CompletionPredicate interface {
	Complete(record storage.AggregateRecord) bool
}

// PredicateFunc adapts a function to the CompletionPredicate interface.
type PredicateFunc func(record storage.AggregateRecord) bool

// Complete implements CompletionPredicate.
func (f PredicateFunc) Complete(record storage.AggregateRecord) bool {
	return f(record)
}

// CompletionSize completes an aggregate once it has merged size messages.
func CompletionSize(size int) CompletionPredicate {
	return PredicateFunc(func(record storage.AggregateRecord) bool {
		return size > 0 && record.SequenceCount >= size
	})
}
