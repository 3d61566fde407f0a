package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/logship/agent/internal/cache"
	"github.com/obsidianstack/logship/agent/internal/config"
	"github.com/obsidianstack/logship/agent/internal/stats"
	"github.com/obsidianstack/logship/agent/internal/transport"
)

var (
	// ErrStopped is returned to flush callers once the worker has stopped.
	ErrStopped = errors.New("worker: stopped")

	// ErrFlushFailed wraps the send error that halted a flush.
	ErrFlushFailed = errors.New("worker: flush failed")
)

// State is the worker lifecycle position.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a Worker.
type Option func(*Worker)

// WithTransport replaces the transport New would build from the config.
func WithTransport(t transport.Transport) Option {
	return func(w *Worker) { w.transport = t }
}

// WithLogger sets the logger used for delivery problems. It must not feed
// back into the shipper this worker belongs to.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithStats records delivery counters into s.
func WithStats(s *stats.Stats) Option {
	return func(w *Worker) { w.stats = s }
}

// Worker is the single consumer of a cache. It leases batches, hands them to
// the transport and resolves the lease with the outcome.
//
// Start must be called once to launch the loop. Flush, Stop and Wake are safe
// to call from any goroutine.
type Worker struct {
	eventTTL     time.Duration
	idleInterval time.Duration
	bo           *backoff

	cache     cache.Cache
	transport transport.Transport
	logger    *slog.Logger
	stats     *stats.Stats
	now       func() time.Time // injectable for tests

	state     atomic.Int32
	flushCh   chan chan error
	wakeCh    chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a worker in the Starting state. Unless WithTransport is given
// the transport is created from cfg; no connection is made yet.
func New(cfg config.AgentConfig, c cache.Cache, opts ...Option) (*Worker, error) {
	w := &Worker{
		eventTTL:     cfg.EventTTL,
		idleInterval: cfg.IdleInterval,
		bo:           newBackoff(cfg.Backoff.Initial, cfg.Backoff.Max),
		cache:        c,
		now:          time.Now,
		flushCh:      make(chan chan error),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if w.idleInterval <= 0 {
		w.idleInterval = config.DefaultIdleInterval
	}
	if w.transport == nil {
		t, err := transport.New(cfg, w.logger)
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		w.transport = t
	}
	w.state.Store(int32(Starting))
	return w, nil
}

// State reports the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed once the worker has stopped and released its transport.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start launches the delivery loop. Calls after the first, or after Stop,
// do nothing.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.state.Store(int32(Running))
		go w.run()
	})
}

// Wake cuts the current idle wait short. It never blocks and never
// interrupts a backoff wait.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Flush asks the worker to send everything currently queued and waits for
// the outcome: nil once the cache has no Free events, an error wrapping
// ErrFlushFailed when a send fails, ErrStopped if the worker stops first.
func (w *Worker) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-w.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the worker to finish the batch in flight, close the transport and
// exit. It waits until that has happened or ctx is done. Events still in the
// cache are left there. Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.state.CompareAndSwap(int32(Running), int32(Draining))
	})
	// Never started: there is no loop to observe stopCh.
	w.startOnce.Do(w.finish)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.finish()
	ctx := context.Background()

	for {
		if w.stopping() {
			return
		}

		select {
		case reply := <-w.flushCh:
			if err := w.flush(ctx, reply); err != nil && !w.waitBackoff(ctx) {
				return
			}
			continue
		default:
		}

		n, err := w.deliverBatch(ctx)
		w.expire(ctx)
		switch {
		case err != nil:
			if !w.waitBackoff(ctx) {
				return
			}
		case n == 0:
			switch w.wait(ctx, w.idleInterval, true) {
			case waitStopped:
				return
			case waitFlushFailed:
				if !w.waitBackoff(ctx) {
					return
				}
			}
		default:
			w.bo.reset()
		}
	}
}

// flush drains the cache back-to-back and answers reply plus every flush
// request picked up along the way. A request is only answered with nil after
// an empty lease that happened after the request was picked up.
func (w *Worker) flush(ctx context.Context, reply chan error) error {
	waiting := []chan error{reply}
	result := w.drain(ctx, &waiting)
	for _, r := range waiting {
		r <- result
	}
	return result
}

func (w *Worker) drain(ctx context.Context, waiting *[]chan error) error {
	for {
		w.collectFlushes(waiting)
		if w.stopping() {
			return ErrStopped
		}
		n, err := w.deliverBatch(ctx)
		w.expire(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFlushFailed, err)
		}
		if n > 0 {
			w.bo.reset()
			continue
		}
		// Requests that arrived during the empty lease need another pass.
		if !w.collectFlushes(waiting) {
			return nil
		}
	}
}

// collectFlushes takes every flush request currently waiting and reports
// whether there were any.
func (w *Worker) collectFlushes(waiting *[]chan error) bool {
	found := false
	for {
		select {
		case r := <-w.flushCh:
			*waiting = append(*waiting, r)
			found = true
		default:
			return found
		}
	}
}

// deliverBatch leases one batch and resolves it with the send outcome.
// It returns the number of events leased.
func (w *Worker) deliverBatch(ctx context.Context) (int, error) {
	events, err := w.cache.LeaseBatch(ctx)
	if err != nil {
		w.logger.Error("worker: lease failed", "err", err)
		return 0, fmt.Errorf("lease: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := cache.IDs(events)
	if err := w.transport.Send(ctx, cache.Payloads(events)); err != nil {
		w.logger.Warn("worker: send failed, requeueing batch",
			"events", len(events), "err", err)
		w.stats.SendFailed(len(events))
		if rerr := w.cache.ResolveFailure(ctx, ids); rerr != nil {
			w.logger.Error("worker: requeue failed", "events", len(events), "err", rerr)
		}
		return len(events), err
	}

	w.stats.Delivered(len(events))
	if err := w.cache.ResolveSuccess(ctx, ids); err != nil {
		// The batch reached the collector; it may be sent again.
		w.logger.Error("worker: resolve failed, batch may be redelivered",
			"events", len(events), "err", err)
	}
	w.logger.Debug("worker: batch delivered", "events", len(events))
	return len(events), nil
}

func (w *Worker) expire(ctx context.Context) {
	if w.eventTTL <= 0 {
		return
	}
	n, err := w.cache.ExpireEvents(ctx, w.now(), w.eventTTL)
	if err != nil {
		w.logger.Error("worker: expire failed", "err", err)
		return
	}
	if n > 0 {
		w.stats.Expired(n)
		w.logger.Warn("worker: expired undelivered events", "events", n, "ttl", w.eventTTL)
	}
}

// waitResult says how a wait ended.
type waitResult int

const (
	waitElapsed waitResult = iota
	waitStopped
	waitFlushFailed
)

// waitBackoff sleeps for the next backoff delay. A flush request cuts it
// short; if that flush fails too the worker backs off again. It returns false
// when the worker should exit.
func (w *Worker) waitBackoff(ctx context.Context) bool {
	for {
		d := w.bo.next()
		w.logger.Debug("worker: backing off", "retry_in", d)
		switch w.wait(ctx, d, false) {
		case waitStopped:
			return false
		case waitFlushFailed:
			continue
		default:
			return true
		}
	}
}

// wait blocks for d, or until stop or a flush request arrives. A wake signal
// ends the wait only when wakeable is set.
func (w *Worker) wait(ctx context.Context, d time.Duration, wakeable bool) waitResult {
	timer := time.NewTimer(d)
	defer timer.Stop()

	wake := w.wakeCh
	if !wakeable {
		wake = nil
	}

	select {
	case <-timer.C:
	case <-wake:
	case <-w.stopCh:
		return waitStopped
	case reply := <-w.flushCh:
		if err := w.flush(ctx, reply); err != nil {
			return waitFlushFailed
		}
	}
	return waitElapsed
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// finish closes the transport exactly once and marks the worker stopped.
func (w *Worker) finish() {
	if err := w.transport.Close(); err != nil {
		w.logger.Warn("worker: transport close failed", "err", err)
	}
	w.state.Store(int32(Stopped))
	close(w.done)
}
