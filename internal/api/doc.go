// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to collection state. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/states and /v1/states/{entity}?version= for job state.
//   - POST /v1/states/{entity}/stop?version= to stop a running collection.
//   - GET /v1/items/{id} for a stored item.
package api
