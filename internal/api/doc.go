// Package api hosts the ops HTTP server, middleware, and read-only REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs and /v1/runs/{run_id} for the run ledger via the RunRepository interface.
package api
