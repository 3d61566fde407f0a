package stats

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Metric names exposed by Gather.
const (
	MetricEnqueued      = "logship_events_enqueued_total"
	MetricEnqueueErrors = "logship_enqueue_errors_total"
	MetricDelivered     = "logship_events_delivered_total"
	MetricRequeued      = "logship_events_requeued_total"
	MetricExpired       = "logship_events_expired_total"
	MetricSendFailures  = "logship_send_failures_total"
	MetricBatchesSent   = "logship_batches_sent_total"
	MetricPending       = "logship_events_pending"
)

// PendingFunc reports how many events are currently Free and Leased.
type PendingFunc func(ctx context.Context) (free, leased int, err error)

// Stats counts delivery activity for one shipper. All methods are safe for
// concurrent use and a nil *Stats ignores every update.
type Stats struct {
	destination string

	enqueued      atomic.Uint64
	enqueueErrors atomic.Uint64
	delivered     atomic.Uint64
	requeued      atomic.Uint64
	expired       atomic.Uint64
	sendFailures  atomic.Uint64
	batchesSent   atomic.Uint64

	mu      sync.RWMutex
	pending PendingFunc
}

// New returns a Stats whose metrics carry a destination label.
func New(destination string) *Stats {
	return &Stats{destination: destination}
}

// SetPending installs the callback used for the pending gauge.
func (s *Stats) SetPending(fn PendingFunc) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pending = fn
	s.mu.Unlock()
}

func (s *Stats) Enqueued() {
	if s != nil {
		s.enqueued.Add(1)
	}
}

func (s *Stats) EnqueueFailed() {
	if s != nil {
		s.enqueueErrors.Add(1)
	}
}

// Delivered records one successful batch of n events.
func (s *Stats) Delivered(n int) {
	if s != nil {
		s.delivered.Add(uint64(n))
		s.batchesSent.Add(1)
	}
}

// SendFailed records one failed send whose n events went back to Free.
func (s *Stats) SendFailed(n int) {
	if s != nil {
		s.sendFailures.Add(1)
		s.requeued.Add(uint64(n))
	}
}

func (s *Stats) Expired(n int) {
	if s != nil {
		s.expired.Add(uint64(n))
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued      uint64
	EnqueueErrors uint64
	Delivered     uint64
	Requeued      uint64
	Expired       uint64
	SendFailures  uint64
	BatchesSent   uint64
	Free          int
	Leased        int
}

// Snapshot reads every counter and, when a pending callback is installed,
// the current cache sizes.
func (s *Stats) Snapshot(ctx context.Context) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, nil
	}
	snap := Snapshot{
		Enqueued:      s.enqueued.Load(),
		EnqueueErrors: s.enqueueErrors.Load(),
		Delivered:     s.delivered.Load(),
		Requeued:      s.requeued.Load(),
		Expired:       s.expired.Load(),
		SendFailures:  s.sendFailures.Load(),
		BatchesSent:   s.batchesSent.Load(),
	}

	s.mu.RLock()
	pending := s.pending
	s.mu.RUnlock()
	if pending == nil {
		return snap, nil
	}
	free, leased, err := pending(ctx)
	if err != nil {
		return snap, fmt.Errorf("stats: pending: %w", err)
	}
	snap.Free, snap.Leased = free, leased
	return snap, nil
}

// Gather renders the current values as Prometheus metric families.
// A failing pending callback drops the gauge but keeps the counters.
func (s *Stats) Gather(ctx context.Context) []*dto.MetricFamily {
	snap, err := s.Snapshot(ctx)
	dest := ""
	if s != nil {
		dest = s.destination
	}

	mfs := []*dto.MetricFamily{
		counter(MetricEnqueued, "Events accepted by Enqueue.", dest, snap.Enqueued),
		counter(MetricEnqueueErrors, "Events dropped because the cache rejected them.", dest, snap.EnqueueErrors),
		counter(MetricDelivered, "Events acknowledged by the transport.", dest, snap.Delivered),
		counter(MetricRequeued, "Events returned to the cache after a failed send.", dest, snap.Requeued),
		counter(MetricExpired, "Events removed after exceeding event_ttl.", dest, snap.Expired),
		counter(MetricSendFailures, "Batches the transport failed to send.", dest, snap.SendFailures),
		counter(MetricBatchesSent, "Batches the transport sent successfully.", dest, snap.BatchesSent),
	}
	if err == nil && s != nil && s.hasPending() {
		mfs = append(mfs, &dto.MetricFamily{
			Name: proto.String(MetricPending),
			Help: proto.String("Events currently held in the cache, by state."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{
				gauge(dest, "free", snap.Free),
				gauge(dest, "leased", snap.Leased),
			},
		})
	}
	return mfs
}

func (s *Stats) hasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending != nil
}

func counter(name, help, dest string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Label:   []*dto.LabelPair{label("destination", dest)},
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

func gauge(dest, state string, v int) *dto.Metric {
	return &dto.Metric{
		Label: []*dto.LabelPair{label("destination", dest), label("state", state)},
		Gauge: &dto.Gauge{Value: proto.Float64(float64(v))},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// TextFormat is the content type WriteText produces.
var TextFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// WriteText encodes metric families in the Prometheus text exposition format.
func WriteText(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, TextFormat)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("stats: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
