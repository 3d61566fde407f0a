// Package cache holds log events between the producer and the delivery
// worker.
//
// Every event is either Free or Leased. LeaseBatch claims up to a batch of
// Free events (oldest first); the worker then resolves the lease with
// ResolveSuccess (delete) or ResolveFailure (back to Free). Resolving an id
// that is not Leased is a no-op, so duplicate resolves are harmless.
// ExpireEvents drops Free events older than a TTL and never touches a batch
// in flight.
//
// Backends:
//   - Memory (memory.go): mutex-protected ordered list, lost on exit.
//   - SQLite (sqlite.go): zombiezen.com/go/sqlite pool in WAL mode,
//     survives restarts.
//   - Postgres (postgres.go): pgx pool, leasing with FOR UPDATE SKIP LOCKED.
//
// Persistent backends release leases left behind by a previous process when
// they are opened.
package cache
