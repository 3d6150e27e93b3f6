// Package api hosts the status HTTP server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes; ready means the engine is running.
//   - GET /metrics for Prometheus scraping of the crawl registry.
//   - GET /v1/stats for the stats collector snapshot.
//   - POST /v1/close to start a graceful close.
package api
