// Package admin serves a small HTTP surface next to a running shipper.
//
//	GET  /healthz  200 while the worker runs, 503 once it drains or stops
//	GET  /stats    counters and cache sizes as JSON
//	GET  /metrics  Prometheus text exposition
//	POST /flush    drain the cache now; 502 when a send fails
//
// POST /flush requires the X-API-Key header when an API key is configured.
package admin
