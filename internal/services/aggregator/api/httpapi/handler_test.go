package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/collate/internal/services/aggregator/domain"
	"github.com/louisbranch/collate/internal/services/aggregator/storage/memory"
)

type acceptAllSender struct{}

func (acceptAllSender) Send(context.Context, domain.Delivery) domain.SendResult {
	return domain.Accept()
}

func newTestHandler(t *testing.T, grant *IngestGrantConfig) *Handler {
	t.Helper()

	store := memory.New()
	var seq int
	engine, err := domain.NewEngine(domain.EngineConfig{
		Strategy:   domain.ConcatStrategy(),
		Predicate:  domain.CompletionSize(2),
		Repository: store,
		Sender:     acceptAllSender{},
		NewExchangeID: func() (string, error) {
			seq++
			return fmt.Sprintf("exch-%d", seq), nil
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	tracker, err := domain.NewTracker(store, t.Logf)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	handler, err := NewHandler(HandlerConfig{
		Engine:  engine,
		Tracker: tracker,
		Grant:   grant,
		Logf:    t.Logf,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func serveRequest(handler *Handler, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	handler.Routes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestAggregateEndpointCompletesSet(t *testing.T) {
	handler := newTestHandler(t, nil)

	first := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader("A"))
	first.Header.Set(HeaderCorrelationKey, "order-123")
	res := serveRequest(handler, first)
	if res.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want %d", res.Code, http.StatusAccepted)
	}
	var firstBody aggregateResponse
	if err := json.Unmarshal(res.Body.Bytes(), &firstBody); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if firstBody.Completed {
		t.Fatal("first message must not complete")
	}
	if firstBody.SequenceCount != 1 {
		t.Fatalf("sequence count = %d, want 1", firstBody.SequenceCount)
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader("B"))
	second.Header.Set(HeaderCorrelationKey, "order-123")
	res = serveRequest(handler, second)
	if res.Code != http.StatusAccepted {
		t.Fatalf("second status = %d, want %d", res.Code, http.StatusAccepted)
	}
	var secondBody aggregateResponse
	if err := json.Unmarshal(res.Body.Bytes(), &secondBody); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if !secondBody.Completed {
		t.Fatal("second message must complete")
	}
	if secondBody.ExchangeID == "" {
		t.Fatal("completed response must carry an exchange id")
	}
}

func TestAggregateEndpointRejectsMissingKey(t *testing.T) {
	handler := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader("A"))
	res := serveRequest(handler, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.Code, http.StatusBadRequest)
	}
	var body errorResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "AGGREGATE_KEY_EMPTY" {
		t.Fatalf("error code = %q, want %q", body.Code, "AGGREGATE_KEY_EMPTY")
	}
}

func TestAggregateEndpointRejectsEmptyBody(t *testing.T) {
	handler := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/aggregate", nil)
	req.Header.Set(HeaderCorrelationKey, "order-123")
	res := serveRequest(handler, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.Code, http.StatusBadRequest)
	}
}

func TestAggregateEndpointRejectsWrongMethod(t *testing.T) {
	handler := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/aggregate", nil)
	res := serveRequest(handler, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", res.Code, http.StatusMethodNotAllowed)
	}
}

func TestConfirmEndpointIsIdempotent(t *testing.T) {
	handler := newTestHandler(t, nil)

	for _, body := range []string{"A", "B"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader(body))
		req.Header.Set(HeaderCorrelationKey, "order-123")
		if res := serveRequest(handler, req); res.Code != http.StatusAccepted {
			t.Fatalf("aggregate status = %d, want %d", res.Code, http.StatusAccepted)
		}
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/confirm/exch-1", nil)
		res := serveRequest(handler, req)
		if res.Code != http.StatusOK {
			t.Fatalf("confirm %d status = %d, want %d", i+1, res.Code, http.StatusOK)
		}
	}
}

func TestConfirmEndpointRequiresExchangeID(t *testing.T) {
	handler := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/confirm/", nil)
	res := serveRequest(handler, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.Code, http.StatusBadRequest)
	}
}

func TestAggregateEndpointEnforcesIngestGrant(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	grant := &IngestGrantConfig{
		Issuer:   "https://auth.collate.test",
		Audience: "collate-aggregator",
		Key:      public,
		Now:      func() time.Time { return now },
	}
	handler := newTestHandler(t, grant)

	// Missing token.
	req := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader("A"))
	req.Header.Set(HeaderCorrelationKey, "order-123")
	res := serveRequest(handler, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", res.Code, http.StatusUnauthorized)
	}

	// Valid token.
	token := signIngestGrant(t, private, jwt.RegisteredClaims{
		Issuer:    grant.Issuer,
		Audience:  jwt.ClaimStrings{grant.Audience},
		Subject:   "producer-1",
		ID:        "grant-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader("A"))
	req.Header.Set(HeaderCorrelationKey, "order-123")
	req.Header.Set("Authorization", "Bearer "+token)
	res = serveRequest(handler, req)
	if res.Code != http.StatusAccepted {
		t.Fatalf("status with token = %d, want %d", res.Code, http.StatusAccepted)
	}
}

func signIngestGrant(t *testing.T, key ed25519.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return signed
}
