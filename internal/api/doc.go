// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl, GET /v1/crawls/{id} for live stats and
//     POST /v1/crawls/{id}/stop to end it.
//   - POST /v1/crawls/{id}/sessions to add seeds under separate limits.
//   - GET /v1/runs and /v1/runs/{id}/hosts for persisted progress via the
//     ProgressRepository interface.
package api
