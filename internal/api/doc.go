// Package api hosts the HTTP status surface. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/units and /v1/units/{unit_id} for the task list, and
//     POST /v1/units/{unit_id}/cancel to cancel a unit.
//   - GET /v1/runner and POST /v1/runner/{command} to drive the task runner.
package api
