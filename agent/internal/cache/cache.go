package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/obsidianstack/logship/agent/internal/config"
)

// State is the lease state of a cached event.
type State int

const (
	// Free events are eligible for the next LeaseBatch.
	Free State = iota
	// Leased events belong to an unresolved LeaseBatch.
	Leased
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Leased:
		return "leased"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is one queued, already-serialized log record.
// Payload must not be modified after AddEvent.
type Event struct {
	ID        string
	Payload   []byte
	EntryTime time.Time
	State     State
}

// Cache holds pending events between the producer and the delivery worker.
//
// Implementations must make every per-id transition atomic with respect to
// all other operations on that id. Resolving an id that is unknown or not
// leased is a no-op, never an error.
type Cache interface {
	// AddEvent stores payload as a new Free event and returns its id.
	AddEvent(ctx context.Context, payload []byte) (string, error)

	// LeaseBatch marks up to the configured batch size of Free events as
	// Leased, oldest first, and returns them. It returns an empty slice
	// when nothing is Free and never waits for events to arrive.
	LeaseBatch(ctx context.Context) ([]Event, error)

	// ResolveSuccess deletes the named Leased events.
	ResolveSuccess(ctx context.Context, ids []string) error

	// ResolveFailure returns the named Leased events to Free.
	ResolveFailure(ctx context.Context, ids []string) error

	// ExpireEvents deletes Free events whose age at now exceeds ttl and
	// returns how many were removed. Leased events are never expired.
	// A ttl <= 0 disables expiry.
	ExpireEvents(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// Count reports how many events are Free and Leased.
	Count(ctx context.Context) (free, leased int, err error)

	// Close releases backend resources.
	Close() error
}

// Open returns the Cache backend selected by cfg.
func Open(ctx context.Context, cfg config.CacheConfig, batchSize int, logger *slog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(batchSize), nil
	case "sqlite":
		return OpenSQLite(ctx, SQLiteConfig{
			Path:      cfg.Path,
			BatchSize: batchSize,
			Logger:    logger,
		})
	case "postgres":
		return OpenPostgres(ctx, PostgresConfig{
			DSN:       cfg.DSN(),
			BatchSize: batchSize,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}

// IDs returns the ids of a leased batch, in lease order.
func IDs(events []Event) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = events[i].ID
	}
	return out
}

// Payloads returns the payloads of a leased batch, in lease order.
func Payloads(events []Event) [][]byte {
	out := make([][]byte, len(events))
	for i := range events {
		out[i] = events[i].Payload
	}
	return out
}
