// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// DownstreamSend caps the time allowed for a single downstream delivery
// attempt, including connection setup and response read.
const DownstreamSend = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
