package domain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/collate/internal/platform/errors"
	"github.com/louisbranch/collate/internal/services/aggregator/storage"
	"github.com/louisbranch/collate/internal/services/aggregator/storage/memory"
)

// recordingSender captures every delivery and answers from a scripted list
// of results, defaulting to acceptance.
type recordingSender struct {
	mu         sync.Mutex
	deliveries []Delivery
	script     []SendResult
}

func (s *recordingSender) Send(_ context.Context, delivery Delivery) SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery)
	if len(s.script) > 0 {
		result := s.script[0]
		s.script = s.script[1:]
		return result
	}
	return Accept()
}

func (s *recordingSender) sent() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// failingRepository wraps a Repository and fails Put on demand.
type failingRepository struct {
	storage.Repository
	failPuts int
}

func (r *failingRepository) Put(ctx context.Context, record storage.AggregateRecord) error {
	if r.failPuts > 0 {
		r.failPuts--
		return fmt.Errorf("injected put failure")
	}
	return r.Repository.Put(ctx, record)
}

func newTestEngine(t *testing.T, repository storage.Repository, sender Sender, size int) *Engine {
	t.Helper()

	var seq int
	engine, err := NewEngine(EngineConfig{
		Strategy:   ConcatStrategy(),
		Predicate:  CompletionSize(size),
		Repository: repository,
		Sender:     sender,
		Clock: func() time.Time {
			return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
		},
		NewExchangeID: func() (string, error) {
			seq++
			return fmt.Sprintf("exch-%d", seq), nil
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestCompletionThresholdReached(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{}
	engine := newTestEngine(t, store, sender, 5)

	for i, body := range []string{"A", "B", "C", "D"} {
		outcome, err := engine.OnMessage(context.Background(), "order-123", Message{Body: []byte(body)})
		if err != nil {
			t.Fatalf("message %d: %v", i+1, err)
		}
		if outcome.Completed {
			t.Fatalf("message %d completed early", i+1)
		}
	}

	outcome, err := engine.OnMessage(context.Background(), "order-123", Message{Body: []byte("E")})
	if err != nil {
		t.Fatalf("final message: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("expected completion on the fifth message")
	}
	if string(outcome.Record.Payload) != "ABCDE" {
		t.Fatalf("payload = %q, want %q", outcome.Record.Payload, "ABCDE")
	}
	if outcome.Record.SequenceCount != 5 {
		t.Fatalf("sequence count = %d, want 5", outcome.Record.SequenceCount)
	}
	if outcome.Record.State != storage.StatePendingConfirm {
		t.Fatalf("state = %q, want %q", outcome.Record.State, storage.StatePendingConfirm)
	}

	persisted, err := store.Get(context.Background(), "order-123")
	if err != nil {
		t.Fatalf("get persisted record: %v", err)
	}
	if persisted.ExchangeID != outcome.Record.ExchangeID {
		t.Fatalf("persisted exchange id = %q, want %q", persisted.ExchangeID, outcome.Record.ExchangeID)
	}

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(sent))
	}
	if sent[0].Redelivered {
		t.Fatal("initial delivery must not be marked redelivered")
	}
	if sent[0].RedeliveryCount != 0 {
		t.Fatalf("redelivery count = %d, want 0", sent[0].RedeliveryCount)
	}
	if engine.Pending() != 0 {
		t.Fatalf("pending groups = %d, want 0", engine.Pending())
	}
}

func TestBelowThresholdPersistsNothing(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{}
	engine := newTestEngine(t, store, sender, 5)

	for i, body := range []string{"A", "B", "C", "D"} {
		outcome, err := engine.OnMessage(context.Background(), "order-123", Message{Body: []byte(body)})
		if err != nil {
			t.Fatalf("message %q: %v", body, err)
		}
		if outcome.SequenceCount != i+1 {
			t.Fatalf("message %q sequence count = %d, want %d", body, outcome.SequenceCount, i+1)
		}
	}

	if _, err := store.Get(context.Background(), "order-123"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no persisted record, got %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Fatalf("deliveries = %d, want 0", len(sender.sent()))
	}
	if engine.Pending() != 1 {
		t.Fatalf("pending groups = %d, want 1", engine.Pending())
	}
}

func TestCompletionStartsFreshAggregateForKey(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{}
	engine := newTestEngine(t, store, sender, 2)

	for _, body := range []string{"A", "B"} {
		if _, err := engine.OnMessage(context.Background(), "order-123", Message{Body: []byte(body)}); err != nil {
			t.Fatalf("first round %q: %v", body, err)
		}
	}
	outcome, err := engine.OnMessage(context.Background(), "order-123", Message{Body: []byte("C")})
	if err != nil {
		t.Fatalf("second round first message: %v", err)
	}
	if outcome.Completed {
		t.Fatal("fresh aggregate completed after one message")
	}
	outcome, err = engine.OnMessage(context.Background(), "order-123", Message{Body: []byte("D")})
	if err != nil {
		t.Fatalf("second round second message: %v", err)
	}
	if string(outcome.Record.Payload) != "CD" {
		t.Fatalf("second payload = %q, want %q", outcome.Record.Payload, "CD")
	}
}

func TestStrategyErrorLeavesRecordUnchanged(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{}

	var seq int
	boom := errors.New("boom")
	engine, err := NewEngine(EngineConfig{
		Strategy: StrategyFunc(func(existing []byte, incoming Message) ([]byte, error) {
			if string(incoming.Body) == "bad" {
				return nil, boom
			}
			return append(append([]byte{}, existing...), incoming.Body...), nil
		}),
		Predicate:  CompletionSize(3),
		Repository: store,
		Sender:     sender,
		NewExchangeID: func() (string, error) {
			seq++
			return fmt.Sprintf("exch-%d", seq), nil
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if _, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("A")}); err != nil {
		t.Fatalf("first message: %v", err)
	}
	_, err = engine.OnMessage(context.Background(), "k", Message{Body: []byte("bad")})
	if !errors.Is(err, boom) {
		t.Fatalf("expected strategy error cause, got %v", err)
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeAggregateStrategy {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodeAggregateStrategy)
	}

	// The failed message was not merged: two more messages complete the set.
	if _, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("B")}); err != nil {
		t.Fatalf("second message: %v", err)
	}
	outcome, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("C")})
	if err != nil {
		t.Fatalf("third message: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("expected completion")
	}
	if string(outcome.Record.Payload) != "ABC" {
		t.Fatalf("payload = %q, want %q", outcome.Record.Payload, "ABC")
	}
}

func TestStorageFailureKeepsAggregating(t *testing.T) {
	failing := &failingRepository{Repository: memory.New(), failPuts: 1}
	sender := &recordingSender{}
	engine := newTestEngine(t, failing, sender, 2)

	if _, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("A")}); err != nil {
		t.Fatalf("first message: %v", err)
	}
	_, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("B")})
	if err == nil {
		t.Fatal("expected storage failure to surface")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeStorageFailure {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodeStorageFailure)
	}
	if len(sender.sent()) != 0 {
		t.Fatal("downstream send must not happen when the persist fails")
	}
	if engine.Pending() != 1 {
		t.Fatalf("pending groups = %d, want 1", engine.Pending())
	}

	// Retrying the same message succeeds once storage recovers. The merged
	// payload was kept, so the retry must not re-merge the original bodies.
	outcome, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("B")})
	if err != nil {
		t.Fatalf("retry after storage recovery: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("expected completion on retry")
	}
	if string(outcome.Record.Payload) != "ABB" {
		t.Fatalf("payload = %q, want %q", outcome.Record.Payload, "ABB")
	}
}

func TestRejectedSendStillCompletes(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{script: []SendResult{Reject("downstream offline")}}
	engine := newTestEngine(t, store, sender, 1)

	outcome, err := engine.OnMessage(context.Background(), "k", Message{Body: []byte("A")})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("expected completion")
	}

	// The record is durable and pending; recovery owns the retry.
	persisted, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get persisted record: %v", err)
	}
	if persisted.State != storage.StatePendingConfirm {
		t.Fatalf("state = %q, want %q", persisted.State, storage.StatePendingConfirm)
	}
}

func TestEmptyCorrelationKeyRejected(t *testing.T) {
	engine := newTestEngine(t, memory.New(), &recordingSender{}, 2)

	_, err := engine.OnMessage(context.Background(), "  ", Message{Body: []byte("A")})
	if got := apperrors.CodeOf(err); got != apperrors.CodeAggregateKeyEmpty {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodeAggregateKeyEmpty)
	}
}

func TestConcurrentKeysStayIndependent(t *testing.T) {
	const (
		rounds   = 20
		perKey   = 8
		keyLeft  = "left"
		keyRight = "right"
	)

	for round := 0; round < rounds; round++ {
		store := memory.New()
		sender := &recordingSender{}
		engine := newTestEngine(t, store, sender, perKey)

		// Random interleaving of two per-key streams, each stream keeping
		// its own arrival order.
		rng := rand.New(rand.NewSource(int64(round)))
		type step struct {
			key  string
			body string
		}
		var steps []step
		for i := 0; i < perKey; i++ {
			steps = append(steps, step{keyLeft, fmt.Sprintf("L%d", i)})
		}
		for i := 0; i < perKey; i++ {
			steps = append(steps, step{keyRight, fmt.Sprintf("R%d", i)})
		}
		rng.Shuffle(len(steps), func(i, j int) {
			steps[i], steps[j] = steps[j], steps[i]
		})

		perKeyOrder := map[string][]string{}
		for _, s := range steps {
			perKeyOrder[s.key] = append(perKeyOrder[s.key], s.body)
		}

		var wg sync.WaitGroup
		for key, bodies := range perKeyOrder {
			wg.Add(1)
			go func(key string, bodies []string) {
				defer wg.Done()
				for _, body := range bodies {
					if _, err := engine.OnMessage(context.Background(), key, Message{Body: []byte(body)}); err != nil {
						t.Errorf("key %s message %s: %v", key, body, err)
						return
					}
				}
			}(key, bodies)
		}
		wg.Wait()

		wantLeft := concat(perKeyOrder[keyLeft])
		wantRight := concat(perKeyOrder[keyRight])

		gotLeft, err := store.Get(context.Background(), keyLeft)
		if err != nil {
			t.Fatalf("round %d get left: %v", round, err)
		}
		gotRight, err := store.Get(context.Background(), keyRight)
		if err != nil {
			t.Fatalf("round %d get right: %v", round, err)
		}
		if string(gotLeft.Payload) != wantLeft {
			t.Fatalf("round %d left payload = %q, want %q", round, gotLeft.Payload, wantLeft)
		}
		if string(gotRight.Payload) != wantRight {
			t.Fatalf("round %d right payload = %q, want %q", round, gotRight.Payload, wantRight)
		}
	}
}

func concat(bodies []string) string {
	out := ""
	for _, body := range bodies {
		out += body
	}
	return out
}
