// Package transport delivers batches of serialized events to a remote
// collector.
//
// Stream variants keep one long-lived connection and write records in lease
// order: tcp and udp terminate each record with '\n', websocket sends one
// text message per record. A failed write drops the connection and the next
// Send dials again. The http variant POSTs each batch (optionally split by
// http.max_request_events) and treats any 2xx reply as success. Bodies are
// newline-delimited, a JSON array or a CBOR array, optionally gzip or zstd
// compressed.
//
// Every variant honours the agent timeout for dialling and writing and, where
// the protocol allows it, TLS with the system trust store, a custom CA bundle
// or client certificates.
//
// The dial field on the stream variants is injectable for testing.
package transport
