package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Registry hands out one Shipper per destination so that every producer
// writing to the same collector shares a single worker.
type Registry struct {
	opts []Option

	mu       sync.Mutex
	shippers map[string]*Shipper
}

// NewRegistry returns an empty Registry. opts are applied to every Shipper
// it creates, so they must not carry per-destination state such as a cache.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts, shippers: make(map[string]*Shipper)}
}

// Open returns the live Shipper for cfg's destination, creating one when none
// exists or the previous one has been shut down.
func (r *Registry) Open(cfg Config, opts ...Option) (*Shipper, error) {
	dest := cfg.Destination()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.shippers[dest]; ok && !s.closed.Load() && s.State() != StateStopped {
		return s, nil
	}
	s, err := New(cfg, append(append([]Option{}, r.opts...), opts...)...)
	if err != nil {
		return nil, err
	}
	r.shippers[dest] = s
	return s, nil
}

// Get returns the Shipper registered for dest, if any.
func (r *Registry) Get(dest string) (*Shipper, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shippers[dest]
	return s, ok
}

// Destinations lists registered destination keys in sorted order.
func (r *Registry) Destinations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.shippers))
	for dest := range r.shippers {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// ShutdownAll shuts down and forgets every registered Shipper.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	shippers := r.shippers
	r.shippers = make(map[string]*Shipper)
	r.mu.Unlock()

	var errs []error
	for _, s := range shippers {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
