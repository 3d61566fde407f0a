package cache

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const defaultSQLitePoolSize = 4

// SQLiteConfig holds the parameters for opening a SQLite-backed cache.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// BatchSize bounds LeaseBatch.
	BatchSize int

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// SQLite is a Cache persisted in a local SQLite database, so queued events
// survive process restarts. Writes are serialized by SQLite; every
// multi-statement transition runs inside an IMMEDIATE transaction.
type SQLite struct {
	pool      *sqlitex.Pool
	batchSize int
	logger    *slog.Logger
	path      string
	now       func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path, applies
// the schema and returns every event left Leased by a previous process to
// Free, since its lease holder no longer exists.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache: sqlite: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultSQLitePoolSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite: open %s: %w", cfg.Path, err)
	}

	c := &SQLite{
		pool:      pool,
		batchSize: batchSize,
		logger:    logger,
		path:      cfg.Path,
		now:       time.Now,
	}

	released, err := c.releaseStaleLeases(ctx)
	if err != nil {
		pool.Close() //nolint:errcheck
		return nil, err
	}

	logger.Info("cache: sqlite opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"released_leases", released,
	)
	return c, nil
}

// prepareSQLiteConn applies pragmas and the schema once per connection.
func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cache: sqlite: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("cache: sqlite: schema: %w", err)
	}
	return nil
}

func (c *SQLite) releaseStaleLeases(ctx context.Context) (n int, err error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	if err := sqlitex.Execute(conn, "UPDATE events SET leased = 0 WHERE leased = 1", nil); err != nil {
		return 0, fmt.Errorf("cache: sqlite: release leases: %w", err)
	}
	return conn.Changes(), nil
}

// AddEvent inserts payload as a Free event.
func (c *SQLite) AddEvent(ctx context.Context, payload []byte) (string, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	id := uuid.NewString()
	err = sqlitex.Execute(conn,
		"INSERT INTO events (id, payload, entry_time, leased) VALUES (?, ?, ?, 0)",
		&sqlitex.ExecOptions{Args: []any{id, payload, c.now().UnixNano()}})
	if err != nil {
		return "", fmt.Errorf("cache: sqlite: insert: %w", err)
	}
	return id, nil
}

// LeaseBatch selects the oldest Free rows and marks them Leased in one
// IMMEDIATE transaction.
func (c *SQLite) LeaseBatch(ctx context.Context) (events []Event, err error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite: begin: %w", err)
	}
	defer endTransaction(&err)

	events = make([]Event, 0, c.batchSize)
	err = sqlitex.Execute(conn,
		"SELECT id, payload, entry_time FROM events WHERE leased = 0 ORDER BY seq LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{c.batchSize},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				events = append(events, Event{
					ID:        stmt.ColumnText(0),
					Payload:   payload,
					EntryTime: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					State:     Leased,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite: select free: %w", err)
	}

	for i := range events {
		err = sqlitex.Execute(conn, "UPDATE events SET leased = 1 WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{events[i].ID}})
		if err != nil {
			return nil, fmt.Errorf("cache: sqlite: mark leased: %w", err)
		}
	}
	return events, nil
}

// ResolveSuccess deletes the named Leased rows.
func (c *SQLite) ResolveSuccess(ctx context.Context, ids []string) error {
	return c.resolve(ctx, "DELETE FROM events WHERE id = ? AND leased = 1", ids)
}

// ResolveFailure returns the named Leased rows to Free.
func (c *SQLite) ResolveFailure(ctx context.Context, ids []string) error {
	return c.resolve(ctx, "UPDATE events SET leased = 0 WHERE id = ? AND leased = 1", ids)
}

func (c *SQLite) resolve(ctx context.Context, query string, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("cache: sqlite: begin: %w", err)
	}
	defer endTransaction(&err)

	for _, id := range ids {
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("cache: sqlite: resolve %s: %w", id, err)
		}
	}
	return nil
}

// ExpireEvents deletes Free rows whose entry_time is older than now-ttl.
func (c *SQLite) ExpireEvents(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	cutoff := now.Add(-ttl).UnixNano()
	err = sqlitex.Execute(conn, "DELETE FROM events WHERE leased = 0 AND entry_time < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite: expire: %w", err)
	}
	return conn.Changes(), nil
}

// Count reports how many rows are Free and Leased.
func (c *SQLite) Count(ctx context.Context) (free, leased int, err error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("cache: sqlite: take: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT leased, COUNT(*) FROM events GROUP BY leased",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnInt(0) == 1 {
					leased = stmt.ColumnInt(1)
				} else {
					free = stmt.ColumnInt(1)
				}
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("cache: sqlite: count: %w", err)
	}
	return free, leased, nil
}

// Close closes every pooled connection.
func (c *SQLite) Close() error {
	if err := c.pool.Close(); err != nil {
		c.logger.Error("cache: sqlite close error", "path", c.path, "err", err)
		return fmt.Errorf("cache: sqlite: close %s: %w", c.path, err)
	}
	c.logger.Info("cache: sqlite closed", "path", c.path)
	return nil
}
