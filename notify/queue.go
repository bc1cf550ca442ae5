package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"paketd/escrow"
)

// Event is one package lifecycle notification.
type Event struct {
	ID           string
	Type         string
	EscrowPubKey string
	ActorPubKey  string
	Attributes   map[string]string
	CreatedAt    time.Time
}

// FromEscrowEvent converts a committed ledger event into its notification.
func FromEscrowEvent(evt escrow.Event) Event {
	attrs := make(map[string]string)
	if evt.CounterpartyPubKey != "" {
		attrs["counterparty_pubkey"] = evt.CounterpartyPubKey
	}
	if evt.Location != "" {
		attrs["location"] = evt.Location
	}
	return Event{
		ID:           uuid.NewString(),
		Type:         string(evt.Type),
		EscrowPubKey: evt.EscrowPubKey,
		ActorPubKey:  evt.ActorPubKey,
		Attributes:   attrs,
		CreatedAt:    time.Unix(evt.OccurredAt, 0).UTC(),
	}
}

// Task is one pending delivery of an event to one target.
type Task struct {
	Event     Event
	Target    string
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

type historyEntry struct {
	event      Event
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WithTaskCapacity sets the maximum number of pending delivery tasks.
func WithTaskCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity sets the number of events retained for inspection.
func WithHistoryCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTTL configures how long queued items remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded in-memory notification queue. Oldest entries are dropped
// on overflow and stale entries age out, so a slow or dead webhook target can
// never wedge the request path.
type Queue struct {
	mu      sync.Mutex
	tasks   queueRing[queuedTask]
	history queueRing[historyEntry]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetricsSet
}

func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newQueueRing[queuedTask](cfg.taskCapacity),
		history: newQueueRing[historyEntry](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: queueMetrics(),
	}
}

// Emit implements the engine's emitter hook. The event fans out to all
// configured targets when the dispatcher dequeues it.
func (q *Queue) Emit(evt escrow.Event) {
	q.Enqueue(FromEscrowEvent(evt))
}

// Enqueue adds an event to the queue.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if task.Target == "" {
		q.recordHistoryLocked(historyEntry{event: task.Event, enqueuedAt: now})
	}
	q.recordTaskLocked(queuedTask{task: task, enqueuedAt: now})
}

// Events returns a snapshot copy of recent events. Primarily used in tests
// and the sandbox inspection endpoint.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Event, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Dequeue waits for the next delivery task. Returns false if the context is
// cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}

		return queued.task, true
	}
}

func (q *Queue) recordTaskLocked(task queuedTask) {
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, ok := q.tasks.push(task); ok {
		q.metrics.recordDropped("overflow", 1)
	}
}

func (q *Queue) recordHistoryLocked(entry historyEntry) {
	if q.history.capacity() == 0 {
		q.metrics.recordDropped("history_overflow", 1)
		return
	}
	if _, ok := q.history.push(entry); ok {
		q.metrics.recordDropped("history_overflow", 1)
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}

	historyExpired := 0
	for {
		entry, ok := q.history.peek()
		if !ok {
			break
		}
		if now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
		historyExpired++
	}
	if historyExpired > 0 {
		q.metrics.recordDropped("history_ttl", historyExpired)
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{
		buf: make([]T, capacity),
	}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}

func (r *queueRing[T]) capacity() int {
	return len(r.buf)
}

func (r *queueRing[T]) forEach(fn func(T)) {
	if r.size == 0 || len(r.buf) == 0 {
		return
	}
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % len(r.buf)
		fn(r.buf[idx])
	}
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *queueMetricsSet
)

type queueMetricsSet struct {
	dropped metric.Int64Counter
}

func queueMetrics() *queueMetricsSet {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("paketd/notify")
		counter, err := meter.Int64Counter("paketd.notify.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("paketd/notify")
			counter, _ = fallback.Int64Counter("paketd.notify.dropped")
		}
		sharedQueueMetrics = &queueMetricsSet{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *queueMetricsSet) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
