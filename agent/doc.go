// Package agent ships log events to a remote collector without blocking the
// goroutine that produces them.
//
// A Shipper writes each event into a cache (memory, SQLite or Postgres) and
// returns. One background worker per Shipper leases batches from the cache
// and sends them over tcp, udp, websocket or http. Failed batches go back to
// the cache and are retried with backoff, so delivery is at-least-once.
// Events older than event_ttl are dropped while the collector is away.
//
//	s, err := agent.New(cfg)
//	...
//	s.Enqueue([]byte(`{"msg":"hello"}`))
//	...
//	_ = s.Flush(ctx)
//	_ = s.Shutdown(ctx)
//
// Registry keeps one Shipper per destination (transport://host:port[/path]).
package agent
