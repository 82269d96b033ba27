// Package errors provides structured error handling for the aggregation service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Aggregation errors
	CodeAggregateKeyEmpty     Code = "AGGREGATE_KEY_EMPTY"
	CodeAggregateBodyEmpty    Code = "AGGREGATE_BODY_EMPTY"
	CodeAggregateStrategy     Code = "AGGREGATE_STRATEGY_FAILED"
	CodeCompletionSizeInvalid Code = "COMPLETION_SIZE_INVALID"

	// Ingest grant errors
	CodeIngestGrantInvalid Code = "INGEST_GRANT_INVALID"
	CodeIngestGrantExpired Code = "INGEST_GRANT_EXPIRED"

	// Storage errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeStorageFailure Code = "STORAGE_FAILURE"
)

// HTTPStatus maps domain codes to HTTP status codes for the ingest API.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeAggregateKeyEmpty,
		CodeAggregateBodyEmpty,
		CodeCompletionSizeInvalid:
		return http.StatusBadRequest

	// Unauthorized - grant verification failures
	case CodeIngestGrantInvalid,
		CodeIngestGrantExpired:
		return http.StatusUnauthorized

	// Not found
	case CodeNotFound:
		return http.StatusNotFound

	// Unprocessable - the message was rejected by the configured strategy
	case CodeAggregateStrategy:
		return http.StatusUnprocessableEntity

	// Unavailable - transient faults the caller should retry
	case CodeStorageFailure:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
