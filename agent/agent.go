package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/obsidianstack/logship/agent/internal/cache"
	"github.com/obsidianstack/logship/agent/internal/config"
	"github.com/obsidianstack/logship/agent/internal/stats"
	"github.com/obsidianstack/logship/agent/internal/transport"
	"github.com/obsidianstack/logship/agent/internal/worker"
)

// ErrShutdown is returned by Flush once Shutdown has been called.
var ErrShutdown = errors.New("agent: shipper shut down")

// Config describes one destination and how to ship to it.
type Config = config.AgentConfig

// Cache holds events between Enqueue and delivery.
type Cache = cache.Cache

// Event is one queued payload as seen by a Cache.
type Event = cache.Event

// Transport sends a batch of payloads to the collector.
type Transport = transport.Transport

// Snapshot is a point-in-time copy of a shipper's counters.
type Snapshot = stats.Snapshot

// State is the delivery worker's lifecycle position.
type State = worker.State

const (
	StateStarting = worker.Starting
	StateRunning  = worker.Running
	StateDraining = worker.Draining
	StateStopped  = worker.Stopped
)

// LoadConfig reads the YAML file at path and returns its agent section.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return cfg.Agent, nil
}

// DefaultConfig returns a Config with every optional field at its default.
// Host and Port still have to be set.
func DefaultConfig() Config {
	return config.Defaults()
}

type options struct {
	logger    *slog.Logger
	cache     Cache
	transport Transport
	stats     *stats.Stats
}

// Option customises a Shipper.
type Option func(*options)

// WithLogger sets where the shipper reports its own problems. Never pass a
// logger whose handler ships through this shipper; by default a JSON handler
// on stderr is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCache replaces the cache selected by cfg.Cache.
func WithCache(c Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithTransport replaces the transport selected by cfg.Transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStats records counters into s instead of a private Stats.
func WithStats(s *stats.Stats) Option {
	return func(o *options) { o.stats = s }
}

// Shipper accepts events from any number of goroutines and delivers them in
// the background. Enqueue never blocks on the network.
type Shipper struct {
	cfg    Config
	dest   string
	cache  Cache
	worker *worker.Worker
	stats  *stats.Stats
	logger *slog.Logger

	enqueued atomic.Int64 // since start; every batchSize-th wakes the worker
	closed   atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, opens the cache and starts the delivery worker.
func New(cfg Config, opts ...Option) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	dest := cfg.Destination()
	logger := o.logger.With("destination", dest)
	if o.stats == nil {
		o.stats = stats.New(dest)
	}

	c := o.cache
	if c == nil {
		var err error
		c, err = cache.Open(context.Background(), cfg.Cache, cfg.BatchSize, logger)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
	}
	o.stats.SetPending(c.Count)

	wopts := []worker.Option{worker.WithLogger(logger), worker.WithStats(o.stats)}
	if o.transport != nil {
		wopts = append(wopts, worker.WithTransport(o.transport))
	}
	w, err := worker.New(cfg, c, wopts...)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("agent: %w", err)
	}

	s := &Shipper{
		cfg:    cfg,
		dest:   dest,
		cache:  c,
		worker: w,
		stats:  o.stats,
		logger: logger,
	}
	w.Start()
	logger.Info("agent: shipper started",
		"transport", cfg.Transport,
		"cache", cfg.Cache.Backend,
		"batch_size", cfg.BatchSize)
	return s, nil
}

// Enqueue queues payload for delivery. The payload is copied. Failures are
// logged and counted, never returned.
func (s *Shipper) Enqueue(payload []byte) {
	if s.cfg.Disabled {
		return
	}
	if s.closed.Load() {
		s.stats.EnqueueFailed()
		s.logger.Warn("agent: enqueue after shutdown, event dropped")
		return
	}
	if _, err := s.cache.AddEvent(context.Background(), payload); err != nil {
		s.stats.EnqueueFailed()
		s.logger.Error("agent: enqueue failed, event dropped", "err", err)
		return
	}
	s.stats.Enqueued()

	if n := s.enqueued.Add(1); n%int64(s.cfg.BatchSize) == 0 {
		s.worker.Wake()
	}
}

// Flush blocks until everything queued has been delivered, a send fails
// (worker.ErrFlushFailed) or ctx is done.
func (s *Shipper) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	return s.worker.Flush(ctx)
}

// Shutdown stops the worker after the batch in flight and closes the cache.
// Undelivered events stay in a persistent cache for the next run. If ctx
// expires first the cache is closed once the worker does stop. Calls after
// the first return the first call's result.
func (s *Shipper) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		if err := s.worker.Stop(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("agent: shutdown: %w", err)
			go func() {
				<-s.worker.Done()
				_ = s.cache.Close()
			}()
			return
		}
		if err := s.cache.Close(); err != nil {
			s.shutdownErr = fmt.Errorf("agent: close cache: %w", err)
			return
		}
		s.logger.Info("agent: shipper stopped")
	})
	return s.shutdownErr
}

// State reports the worker's lifecycle position.
func (s *Shipper) State() State {
	return s.worker.State()
}

// Destination returns the key this shipper is registered under.
func (s *Shipper) Destination() string {
	return s.dest
}

// Stats returns the current counters and cache sizes.
func (s *Shipper) Stats(ctx context.Context) (Snapshot, error) {
	return s.stats.Snapshot(ctx)
}

// Gather renders the counters as Prometheus metric families.
func (s *Shipper) Gather(ctx context.Context) []*dto.MetricFamily {
	return s.stats.Gather(ctx)
}
