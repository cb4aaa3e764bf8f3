// Package api hosts the status HTTP server that runs alongside a harvest.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status and /status/{run_id} for the latest run snapshots.
package api
