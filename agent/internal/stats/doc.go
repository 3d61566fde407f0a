// Package stats counts what a shipper does with its events and renders the
// counters as Prometheus metric families (text exposition via expfmt).
//
// Counters: enqueued, enqueue errors, delivered, requeued, expired, send
// failures and batches sent. The pending gauge reports Free and Leased cache
// sizes through a callback installed with SetPending.
package stats
