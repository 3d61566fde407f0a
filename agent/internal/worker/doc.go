// Package worker runs the single delivery goroutine behind a shipper.
//
// Each iteration leases a batch from the cache and hands it to the transport.
// Success deletes the batch; failure returns it to the cache and inserts a
// truncated exponential backoff (backoff.initial → backoff.max, ±25% jitter)
// that resets after the next success. An empty cache puts the worker to sleep
// for idle_interval or until Wake. After every iteration Free events older
// than event_ttl are expired.
//
// Flush drains the cache back-to-back and reports whether it emptied or a
// send failed; it also cuts a backoff wait short. Stop lets the batch in
// flight finish, closes the transport once and leaves everything else queued.
//
// Lifecycle: Starting → Running → Draining → Stopped.
package worker
