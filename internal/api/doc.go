// Package api hosts the operator HTTP server that runs alongside a fetch.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a JSON snapshot of the current run summary.
package api
