// Package api hosts the HTTP server, middleware, and REST handlers for the
// orchestrator. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /sessions and friends for operator-facing session control.
//   - POST /update-total, /save-urls, /heartbeat for HMAC-authenticated
//     callbacks from the external scrape worker.
package api
