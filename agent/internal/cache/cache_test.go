package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// backend opens a fresh Cache with the given batch size and returns a
// function that pins the clock used for EntryTime.
type backend func(t *testing.T, batchSize int) (Cache, func(time.Time))

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

// runContract exercises the lease/resolve/expire contract against one backend.
func runContract(t *testing.T, open backend) {
	t.Run("AddThenLease", func(t *testing.T) { testAddThenLease(t, open) })
	t.Run("LeaseBatchBounds", func(t *testing.T) { testLeaseBatchBounds(t, open) })
	t.Run("LeaseIsExclusive", func(t *testing.T) { testLeaseIsExclusive(t, open) })
	t.Run("ResolveSuccessDeletes", func(t *testing.T) { testResolveSuccessDeletes(t, open) })
	t.Run("RequeueScenario", func(t *testing.T) { testRequeueScenario(t, open) })
	t.Run("ResolveIdempotent", func(t *testing.T) { testResolveIdempotent(t, open) })
	t.Run("ResolveUnknownIDs", func(t *testing.T) { testResolveUnknownIDs(t, open) })
	t.Run("ExpireEvents", func(t *testing.T) { testExpireEvents(t, open) })
	t.Run("ExpireBoundary", func(t *testing.T) { testExpireBoundary(t, open) })
	t.Run("ExpireSkipsLeased", func(t *testing.T) { testExpireSkipsLeased(t, open) })
	t.Run("ExpireDisabled", func(t *testing.T) { testExpireDisabled(t, open) })
	t.Run("ConcurrentProducers", func(t *testing.T) { testConcurrentProducers(t, open) })
}

func addN(t *testing.T, c Cache, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.AddEvent(context.Background(), []byte(fmt.Sprintf("event-%d", i)))
		if err != nil {
			t.Fatalf("AddEvent(%d): %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func lease(t *testing.T, c Cache) []Event {
	t.Helper()
	events, err := c.LeaseBatch(context.Background())
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	return events
}

func count(t *testing.T, c Cache) (free, leased int) {
	t.Helper()
	free, leased, err := c.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return free, leased
}

func testAddThenLease(t *testing.T, open backend) {
	c, _ := open(t, 10)
	id, err := c.AddEvent(context.Background(), []byte("message"))
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if id == "" {
		t.Fatal("AddEvent returned empty id")
	}

	events := lease(t, c)
	if len(events) != 1 {
		t.Fatalf("LeaseBatch: got %d events, want 1", len(events))
	}
	if events[0].ID != id {
		t.Errorf("ID: got %q, want %q", events[0].ID, id)
	}
	if string(events[0].Payload) != "message" {
		t.Errorf("Payload: got %q, want message", events[0].Payload)
	}
	if events[0].State != Leased {
		t.Errorf("State: got %v, want leased", events[0].State)
	}
	if events[0].EntryTime.IsZero() {
		t.Error("EntryTime not set")
	}
}

func testLeaseBatchBounds(t *testing.T, open backend) {
	c, _ := open(t, 3)

	if got := lease(t, c); len(got) != 0 {
		t.Fatalf("LeaseBatch on empty cache: got %d events, want 0", len(got))
	}

	ids := addN(t, c, 4)
	first := lease(t, c)
	if len(first) != 3 {
		t.Fatalf("first lease: got %d events, want 3", len(first))
	}
	for i, ev := range first {
		if ev.ID != ids[i] {
			t.Errorf("first lease[%d]: got %s, want oldest-first %s", i, ev.ID, ids[i])
		}
	}

	// Only one event is still Free: no padding.
	second := lease(t, c)
	if len(second) != 1 || second[0].ID != ids[3] {
		t.Fatalf("second lease: got %v, want only %s", IDs(second), ids[3])
	}
}

func testLeaseIsExclusive(t *testing.T, open backend) {
	c, _ := open(t, 2)
	addN(t, c, 5)

	seen := make(map[string]bool)
	for {
		batch := lease(t, c)
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			if seen[ev.ID] {
				t.Fatalf("event %s leased twice while unresolved", ev.ID)
			}
			seen[ev.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("leased %d distinct events, want 5", len(seen))
	}
	if free, leased := count(t, c); free != 0 || leased != 5 {
		t.Errorf("Count: got free=%d leased=%d, want 0/5", free, leased)
	}
}

func testResolveSuccessDeletes(t *testing.T, open backend) {
	c, _ := open(t, 3)
	addN(t, c, 3)
	batch := lease(t, c)

	if err := c.ResolveSuccess(context.Background(), IDs(batch)); err != nil {
		t.Fatalf("ResolveSuccess: %v", err)
	}
	if free, leased := count(t, c); free != 0 || leased != 0 {
		t.Errorf("Count after success: got free=%d leased=%d, want 0/0", free, leased)
	}
	if got := lease(t, c); len(got) != 0 {
		t.Errorf("resolved ids leased again: %v", IDs(got))
	}
}

// Six events, batch of three: a failed batch returns to Free and the total
// never changes until something is resolved successfully.
func testRequeueScenario(t *testing.T, open backend) {
	ctx := context.Background()
	c, _ := open(t, 3)
	ids := addN(t, c, 6)

	first := lease(t, c)
	if len(first) != 3 {
		t.Fatalf("first lease: got %d, want 3", len(first))
	}
	for i := range first {
		if first[i].ID != ids[i] {
			t.Errorf("first lease[%d]: got %s, want %s", i, first[i].ID, ids[i])
		}
	}
	if free, leased := count(t, c); free+leased != 6 || leased != 3 {
		t.Fatalf("after lease: free=%d leased=%d", free, leased)
	}

	if err := c.ResolveFailure(ctx, IDs(first)); err != nil {
		t.Fatalf("ResolveFailure: %v", err)
	}
	if free, leased := count(t, c); free != 6 || leased != 0 {
		t.Fatalf("after requeue: free=%d leased=%d, want 6/0", free, leased)
	}

	second := lease(t, c)
	if len(second) != 3 {
		t.Fatalf("second lease: got %d, want 3", len(second))
	}
	if free, leased := count(t, c); free+leased != 6 {
		t.Fatalf("total changed: free=%d leased=%d", free, leased)
	}

	// Liveness: draining with success eventually delivers all six.
	delivered := map[string]bool{}
	batch := second
	for len(batch) > 0 {
		for _, ev := range batch {
			delivered[ev.ID] = true
		}
		if err := c.ResolveSuccess(ctx, IDs(batch)); err != nil {
			t.Fatalf("ResolveSuccess: %v", err)
		}
		batch = lease(t, c)
	}
	for _, id := range ids {
		if !delivered[id] {
			t.Errorf("event %s never leased after requeue", id)
		}
	}
}

func testResolveIdempotent(t *testing.T, open backend) {
	ctx := context.Background()
	c, _ := open(t, 4)
	addN(t, c, 4)

	batch := lease(t, c)
	failed, succeeded := IDs(batch[:2]), IDs(batch[2:])

	for i := 0; i < 2; i++ {
		if err := c.ResolveFailure(ctx, failed); err != nil {
			t.Fatalf("ResolveFailure #%d: %v", i, err)
		}
		if err := c.ResolveSuccess(ctx, succeeded); err != nil {
			t.Fatalf("ResolveSuccess #%d: %v", i, err)
		}
	}
	if free, leased := count(t, c); free != 2 || leased != 0 {
		t.Errorf("Count: got free=%d leased=%d, want 2/0", free, leased)
	}

	// ResolveSuccess on a Free event does not delete it.
	if err := c.ResolveSuccess(ctx, failed); err != nil {
		t.Fatalf("ResolveSuccess on free ids: %v", err)
	}
	if free, _ := count(t, c); free != 2 {
		t.Errorf("free after resolving free ids: got %d, want 2", free)
	}
}

func testResolveUnknownIDs(t *testing.T, open backend) {
	ctx := context.Background()
	c, _ := open(t, 2)
	if err := c.ResolveSuccess(ctx, []string{"missing"}); err != nil {
		t.Errorf("ResolveSuccess(unknown): %v", err)
	}
	if err := c.ResolveFailure(ctx, []string{"missing"}); err != nil {
		t.Errorf("ResolveFailure(unknown): %v", err)
	}
	if err := c.ResolveSuccess(ctx, nil); err != nil {
		t.Errorf("ResolveSuccess(nil): %v", err)
	}
}

// One event older than the ttl and one fresh event: only the fresh one stays.
func testExpireEvents(t *testing.T, open backend) {
	ctx := context.Background()
	c, setClock := open(t, 10)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ttl := 100 * time.Second

	setClock(base.Add(-ttl - time.Second))
	addN(t, c, 1)
	setClock(base)
	fresh := addN(t, c, 1)

	n, err := c.ExpireEvents(ctx, base, ttl)
	if err != nil {
		t.Fatalf("ExpireEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireEvents removed %d, want 1", n)
	}
	events := lease(t, c)
	if len(events) != 1 || events[0].ID != fresh[0] {
		t.Errorf("remaining: got %v, want only %s", IDs(events), fresh[0])
	}
}

// An event exactly ttl old survives; one a millisecond older does not.
func testExpireBoundary(t *testing.T, open backend) {
	ctx := context.Background()
	c, setClock := open(t, 10)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ttl := 100 * time.Second

	setClock(base.Add(-ttl - time.Millisecond))
	addN(t, c, 1)
	setClock(base.Add(-ttl))
	atLimit := addN(t, c, 1)

	n, err := c.ExpireEvents(ctx, base, ttl)
	if err != nil {
		t.Fatalf("ExpireEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireEvents removed %d, want 1", n)
	}
	events := lease(t, c)
	if len(events) != 1 || events[0].ID != atLimit[0] {
		t.Errorf("remaining: got %v, want only %s", IDs(events), atLimit[0])
	}
}

func testExpireSkipsLeased(t *testing.T, open backend) {
	ctx := context.Background()
	c, setClock := open(t, 1)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setClock(base)
	addN(t, c, 2)

	batch := lease(t, c)
	n, err := c.ExpireEvents(ctx, base.Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("ExpireEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireEvents removed %d, want 1 (the free one)", n)
	}
	if free, leased := count(t, c); free != 0 || leased != 1 {
		t.Errorf("Count: got free=%d leased=%d, want 0/1", free, leased)
	}

	// The in-flight batch can still be resolved.
	if err := c.ResolveSuccess(ctx, IDs(batch)); err != nil {
		t.Fatalf("ResolveSuccess: %v", err)
	}
	if free, leased := count(t, c); free != 0 || leased != 0 {
		t.Errorf("Count after resolve: got free=%d leased=%d, want 0/0", free, leased)
	}
}

func testExpireDisabled(t *testing.T, open backend) {
	c, setClock := open(t, 10)
	setClock(time.Unix(0, 0))
	addN(t, c, 3)

	n, err := c.ExpireEvents(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatalf("ExpireEvents: %v", err)
	}
	if n != 0 {
		t.Errorf("ExpireEvents with ttl=0 removed %d, want 0", n)
	}
	if free, _ := count(t, c); free != 3 {
		t.Errorf("free: got %d, want 3", free)
	}
}

// Producers add while a single consumer leases and resolves; every event is
// delivered exactly once by the consumer and none is lost.
func testConcurrentProducers(t *testing.T, open backend) {
	const producers, perProducer = 4, 25
	ctx := context.Background()
	c, _ := open(t, 7)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := c.AddEvent(ctx, []byte(fmt.Sprintf("p%d-%d", p, i))); err != nil {
					t.Errorf("AddEvent: %v", err)
					return
				}
			}
		}(p)
	}

	produced := make(chan struct{})
	go func() {
		wg.Wait()
		close(produced)
	}()

	delivered := make(map[string]int)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		batch := lease(t, c)
		if len(batch) == 0 {
			select {
			case <-produced:
				if free, leased := count(t, c); free == 0 && leased == 0 {
					goto done
				}
			default:
			}
			time.Sleep(time.Millisecond)
			continue
		}
		for _, ev := range batch {
			delivered[string(ev.Payload)]++
		}
		if err := c.ResolveSuccess(ctx, IDs(batch)); err != nil {
			t.Fatalf("ResolveSuccess: %v", err)
		}
	}
	t.Fatal("consumer did not drain the cache before the deadline")
done:

	if len(delivered) != producers*perProducer {
		t.Errorf("delivered %d distinct payloads, want %d", len(delivered), producers*perProducer)
	}
	for payload, n := range delivered {
		if n != 1 {
			t.Errorf("payload %s delivered %d times", payload, n)
		}
	}
}
