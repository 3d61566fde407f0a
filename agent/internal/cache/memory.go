package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory Cache. Events live in a list kept in
// insertion order plus an id index, so leasing walks from the oldest event
// and a requeued event keeps its original position.
//
// Unresolved events are lost when the process exits.
type Memory struct {
	mu        sync.Mutex
	batchSize int
	order     *list.List // of *Event, oldest first
	index     map[string]*list.Element
	now       func() time.Time // injectable for deterministic tests
}

// NewMemory creates an empty Memory cache leasing at most batchSize events
// at a time.
func NewMemory(batchSize int) *Memory {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Memory{
		batchSize: batchSize,
		order:     list.New(),
		index:     make(map[string]*list.Element),
		now:       time.Now,
	}
}

// AddEvent stores a copy of payload. It never fails.
func (m *Memory) AddEvent(_ context.Context, payload []byte) (string, error) {
	ev := &Event{
		ID:        uuid.NewString(),
		Payload:   append([]byte(nil), payload...),
		EntryTime: m.now().UTC(),
		State:     Free,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[ev.ID] = m.order.PushBack(ev)
	return ev.ID, nil
}

// LeaseBatch leases up to batchSize Free events, oldest first.
func (m *Memory) LeaseBatch(_ context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0, m.batchSize)
	for el := m.order.Front(); el != nil && len(out) < m.batchSize; el = el.Next() {
		ev := el.Value.(*Event)
		if ev.State != Free {
			continue
		}
		ev.State = Leased
		out = append(out, *ev)
	}
	return out, nil
}

// ResolveSuccess deletes the named Leased events.
func (m *Memory) ResolveSuccess(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		el, ok := m.index[id]
		if !ok || el.Value.(*Event).State != Leased {
			continue
		}
		m.order.Remove(el)
		delete(m.index, id)
	}
	return nil
}

// ResolveFailure returns the named Leased events to Free.
func (m *Memory) ResolveFailure(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if el, ok := m.index[id]; ok {
			el.Value.(*Event).State = Free
		}
	}
	return nil
}

// ExpireEvents removes Free events older than ttl relative to now.
func (m *Memory) ExpireEvents(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		ev := el.Value.(*Event)
		if ev.State == Free && now.Sub(ev.EntryTime) > ttl {
			m.order.Remove(el)
			delete(m.index, ev.ID)
			removed++
		}
		el = next
	}
	return removed, nil
}

// Count reports how many events are Free and Leased.
func (m *Memory) Count(_ context.Context) (free, leased int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for el := m.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Event).State == Leased {
			leased++
		} else {
			free++
		}
	}
	return free, leased, nil
}

// Close is a no-op; unresolved events are dropped with the cache.
func (m *Memory) Close() error { return nil }
