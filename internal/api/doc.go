// Package api hosts the HTTP server, middleware, and REST handlers for
// on-demand crawls. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl to escalate a single URL, with optional proxy_config and
//     max_retries overrides.
//   - POST /v1/crawl/batch to escalate several URLs with the configured plan.
package api
