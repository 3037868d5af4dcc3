// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Starting, stopping and inspecting workflow runs
//   - Shared execution state and resource samples
//   - On-demand single node execution and sandbox teardown
//   - The out-of-band trigger channel
//   - Health checks and Prometheus metrics
package http
