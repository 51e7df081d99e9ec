// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Streaming and background plan-mode runs
//   - Run status and cancellation
//   - Routing advice
//   - Health checks and Prometheus metrics
package http
