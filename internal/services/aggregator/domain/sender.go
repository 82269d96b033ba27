package domain

import "context"

// Delivery is one downstream handoff of a completed aggregate.
//
// Redelivered and RedeliveryCount travel as metadata so the consumer can
// detect duplicates: a delivery may arrive more than once when the original
// send and a recovery resend race a slow confirmation.
type Delivery struct {
	ExchangeID      string
	CorrelationKey  string
	Payload         []byte
	Redelivered     bool
	RedeliveryCount int
}

// SendResult is the synchronous outcome of a delivery attempt. A rejected
// delivery is an expected operational state, not a fault: the record stays
// pending-confirm and the recovery manager retries it.
type SendResult struct {
	Accepted bool
	Reason   string
}

// Accept reports a delivery the consumer took responsibility for.
func Accept() SendResult {
	return SendResult{Accepted: true}
}

// Reject reports a delivery the consumer could not take; reason is kept for
// the log line only.
func Reject(reason string) SendResult {
	return SendResult{Accepted: false, Reason: reason}
}

// Sender hands completed aggregates to the downstream consumer.
//
// Send must not block on confirmation: acceptance only means the consumer
// took the delivery. Confirmation arrives later through the Tracker, or not
// at all, in which case recovery redelivers.
type Sender interface {
	Send(ctx context.Context, delivery Delivery) SendResult
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, delivery Delivery) SendResult

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, delivery Delivery) SendResult {
	return f(ctx, delivery)
}
