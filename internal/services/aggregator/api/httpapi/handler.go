// Package httpapi exposes the aggregation service over HTTP: producers post
// messages for a correlation key and downstream consumers confirm completed
// exchanges.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/collate/internal/platform/errors"
	"github.com/louisbranch/collate/internal/services/aggregator/domain"
)

// HeaderCorrelationKey carries the correlation key for an inbound message.
const HeaderCorrelationKey = "Collate-Correlation-Key"

// maxBodyBytes bounds inbound message bodies.
const maxBodyBytes = 1 << 20

const (
	aggregatePath     = "/v1/aggregate"
	confirmPathPrefix = "/v1/confirm/"
)

// HandlerConfig wires the HTTP surface to the aggregation engine.
type HandlerConfig struct {
	Engine  *domain.Engine
	Tracker *domain.Tracker
	// Grant enables ingest grant verification when set. A nil Grant leaves
	// the ingest endpoint open, which is only suitable for private networks.
	Grant *IngestGrantConfig
	Logf  func(format string, args ...any)
}

// Handler serves the aggregation HTTP API.
type Handler struct {
	engine  *domain.Engine
	tracker *domain.Tracker
	grant   *IngestGrantConfig
	logf    func(format string, args ...any)
}

// NewHandler validates the config and builds the handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Handler{
		engine:  cfg.Engine,
		tracker: cfg.Tracker,
		grant:   cfg.Grant,
		logf:    cfg.Logf,
	}, nil
}

// Routes registers the API endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc(aggregatePath, h.handleAggregate)
	mux.HandleFunc(confirmPathPrefix, h.handleConfirm)
}

type aggregateResponse struct {
	Completed     bool   `json:"completed"`
	ExchangeID    string `json:"exchange_id,omitempty"`
	SequenceCount int    `json:"sequence_count"`
}

type confirmResponse struct {
	Confirmed bool `json:"confirmed"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.grant != nil {
		if _, err := VerifyIngestGrant(bearerToken(r), *h.grant); err != nil {
			h.writeError(w, err)
			return
		}
	}

	key := strings.TrimSpace(r.Header.Get(HeaderCorrelationKey))
	if key == "" {
		h.writeError(w, apperrors.New(apperrors.CodeAggregateKeyEmpty, "correlation key header is required"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		h.writeError(w, apperrors.New(apperrors.CodeAggregateBodyEmpty, "message body is required"))
		return
	}

	outcome, err := h.engine.OnMessage(r.Context(), key, domain.Message{Body: body})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, aggregateResponse{
		Completed:     outcome.Completed,
		ExchangeID:    outcome.Record.ExchangeID,
		SequenceCount: outcome.SequenceCount,
	})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	exchangeID := strings.TrimPrefix(r.URL.Path, confirmPathPrefix)
	if exchangeID == "" || strings.Contains(exchangeID, "/") {
		http.Error(w, "exchange id is required", http.StatusBadRequest)
		return
	}

	if err := h.tracker.Confirm(r.Context(), exchangeID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Confirmed: true})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logf("http api: %v", err)
	}
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		message = appErr.Message
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
