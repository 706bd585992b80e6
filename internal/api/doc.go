// Package api hosts the HTTP trigger for ingestion runs. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest to start a run; the body is optional and overrides the
//     configured collection, dataset, window, region, result cap, and mode.
package api
