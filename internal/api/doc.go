// Package api hosts the HTTP server, middleware, and REST handlers for
// operating crawl tasks. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks and /v1/tasks/{task_id}/{start,pause,resume,stop} for
//     the task lifecycle.
//   - PATCH /v1/tasks/{task_id}/config while a task is paused.
//   - GET /v1/tasks/{task_id}/{status,results,events,scores} for reporting.
//   - GET /v1/tasks/{task_id}/stream for live events as server-sent events.
package api
