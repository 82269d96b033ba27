// Package sender delivers completed aggregates to the downstream consumer
// over HTTP.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/louisbranch/collate/internal/platform/timeouts"
	"github.com/louisbranch/collate/internal/services/aggregator/domain"
)

// Exchange metadata travels as headers so the payload body stays opaque.
const (
	HeaderExchangeID      = "Collate-Exchange-Id"
	HeaderCorrelationKey  = "Collate-Correlation-Key"
	HeaderRedelivered     = "Collate-Redelivered"
	HeaderRedeliveryCount = "Collate-Redelivery-Count"
)

// HTTPSender posts completed aggregate payloads to a fixed downstream URL.
// Any 2xx response counts as acceptance; everything else is a rejection
// left for the recovery sweep to retry.
type HTTPSender struct {
	url    string
	client *http.Client
	logf   func(format string, args ...any)
}

// NewHTTPSender builds a sender for the downstream URL. A nil client gets a
// default with the downstream send timeout applied.
func NewHTTPSender(url string, client *http.Client, logf func(format string, args ...any)) (*HTTPSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("downstream url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.DownstreamSend}
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &HTTPSender{url: url, client: client, logf: logf}, nil
}

// Send implements domain.Sender.
func (s *HTTPSender) Send(ctx context.Context, delivery domain.Delivery) domain.SendResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(delivery.Payload))
	if err != nil {
		return domain.Reject(fmt.Sprintf("build delivery request: %v", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderExchangeID, delivery.ExchangeID)
	req.Header.Set(HeaderCorrelationKey, delivery.CorrelationKey)
	req.Header.Set(HeaderRedelivered, strconv.FormatBool(delivery.Redelivered))
	req.Header.Set(HeaderRedeliveryCount, strconv.Itoa(delivery.RedeliveryCount))

	res, err := s.client.Do(req)
	if err != nil {
		s.logf("deliver exchange %s: %v", delivery.ExchangeID, err)
		return domain.Reject(fmt.Sprintf("deliver aggregate: %v", err))
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.Reject(fmt.Sprintf("downstream returned status %d", res.StatusCode))
	}
	return domain.Accept()
}
