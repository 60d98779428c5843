// Package queue implements the per-identity outbound operation queue.
//
// Operations buffer here while the transport is down or the backend is
// saturated. Each identity has an independent queue with its own lock and
// capacity; dequeue always yields the highest-priority, oldest-enqueued
// eligible operation (stable FIFO within a priority band). At 80% fill a
// queue emits a single advisory backpressure signal so producers can slow
// down; at capacity enqueue rejects without blocking or mutating.
//
// High-priority operations are mirrored to a durable store synchronously on
// enqueue and cleared on dequeue, so they survive a process restart.
// RestorePersisted reloads any leftovers and merges them, de-duplicated by
// operation id.
package queue

import (
	"container/heap"
	"fmt"
	"log"
	"sync"
	"time"
)

// Priority orders operations in the queue. Lower values dispatch first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Operation is one unit of forwarded work. The queue owns it from enqueue
// until dispatch, when ownership transfers to the caller.
type Operation struct {
	ID            string            `json:"id"`
	Identity      string            `json:"identity"`
	Priority      Priority          `json:"priority"`
	Payload       []byte            `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Deadline      time.Time         `json:"deadline,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	RetryCount    int               `json:"retry_count"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Expired reports whether the operation's deadline has passed.
func (op *Operation) Expired(now time.Time) bool {
	return !op.Deadline.IsZero() && now.After(op.Deadline)
}

// ErrQueueFull is returned by Enqueue when an identity's queue is at
// capacity. The queue is left unchanged.
type ErrQueueFull struct {
	Identity string
	Capacity int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("queue for identity %q is full (capacity %d)", e.Identity, e.Capacity)
}

// BackpressureSignal is the advisory emitted when a queue crosses its fill
// threshold. It asks producers to slow down; it does not block.
type BackpressureSignal struct {
	Identity       string  `json:"identity"`
	Fill           float64 `json:"fill"`
	ShouldThrottle bool    `json:"should_throttle"`
}

// Store is the durable mirror for high-priority operations. Restore after a
// crash must be idempotent: duplicate ids collapse.
type Store interface {
	Save(op Operation) error
	Delete(id string) error
	Load() ([]Operation, error)
}

// slot wraps an operation with its arrival sequence for stable ordering.
type slot struct {
	op  Operation
	seq uint64
}

// opHeap orders slots by priority, then arrival sequence.
type opHeap []slot

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].op.Priority != h[j].op.Priority {
		return h[i].op.Priority < h[j].op.Priority
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any) { *h = append(*h, x.(slot)) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// identityQueue is the independently locked queue for one identity.
type identityQueue struct {
	mu       sync.Mutex
	heap     opHeap
	ids      map[string]bool // live operation ids for restore dedup
	bpActive bool            // backpressure signal already emitted
}

// Queue buffers outbound operations per identity.
type Queue struct {
	capacity  int
	threshold float64
	store     Store // nil disables durability

	mu         sync.RWMutex
	identities map[string]*identityQueue
	seq        uint64

	cbMu           sync.RWMutex
	onBackpressure func(BackpressureSignal)
	onExpired      func(op Operation)

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates a Queue. capacity is per identity; threshold is the fill
// fraction (0..1) at which backpressure is signaled. store may be nil to
// disable the durable mirror.
func New(capacity int, threshold float64, store Store) *Queue {
	return &Queue{
		capacity:   capacity,
		threshold:  threshold,
		store:      store,
		identities: make(map[string]*identityQueue),
		nowFunc:    time.Now,
	}
}

// OnBackpressure registers the advisory signal consumer.
// The callback is invoked synchronously under the identity's lock — it must
// not call back into the queue.
func (q *Queue) OnBackpressure(fn func(BackpressureSignal)) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onBackpressure = fn
}

// OnExpired registers the consumer notified when a queued operation is
// dropped for exceeding its deadline.
func (q *Queue) OnExpired(fn func(op Operation)) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onExpired = fn
}

// getOrCreate returns the queue for an identity, creating it on first use.
func (q *Queue) getOrCreate(identity string) *identityQueue {
	q.mu.RLock()
	iq, ok := q.identities[identity]
	q.mu.RUnlock()
	if ok {
		return iq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if iq, ok = q.identities[identity]; ok {
		return iq
	}
	iq = &identityQueue{ids: make(map[string]bool)}
	q.identities[identity] = iq
	return iq
}

// nextSeq returns a process-unique arrival sequence number.
func (q *Queue) nextSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return q.seq
}

// Enqueue adds an operation to its identity's queue. It rejects with
// *ErrQueueFull at capacity and persists high-priority operations to the
// durable store before they become visible. The capacity check, insert, and
// backpressure evaluation happen in one critical section per identity.
func (q *Queue) Enqueue(op Operation) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.nowFunc()
	}
	iq := q.getOrCreate(op.Identity)
	seq := q.nextSeq()

	iq.mu.Lock()
	if len(iq.heap) >= q.capacity {
		iq.mu.Unlock()
		return &ErrQueueFull{Identity: op.Identity, Capacity: q.capacity}
	}

	if op.Priority == PriorityHigh && q.store != nil {
		if err := q.store.Save(op); err != nil {
			iq.mu.Unlock()
			return fmt.Errorf("persist operation %s: %w", op.ID, err)
		}
	}

	heap.Push(&iq.heap, slot{op: op, seq: seq})
	iq.ids[op.ID] = true
	q.evaluateBackpressure(iq, op.Identity)
	iq.mu.Unlock()
	return nil
}

// evaluateBackpressure emits the advisory exactly once per threshold
// crossing in either direction: ShouldThrottle=true when the fill climbs to
// the threshold, ShouldThrottle=false when it drops back below. Caller must
// hold iq.mu.
func (q *Queue) evaluateBackpressure(iq *identityQueue, identity string) {
	fill := float64(len(iq.heap)) / float64(q.capacity)

	if fill >= q.threshold && !iq.bpActive {
		iq.bpActive = true
		q.signalBackpressure(BackpressureSignal{Identity: identity, Fill: fill, ShouldThrottle: true})
		log.Printf("queue: backpressure for identity %q at %.0f%% fill", identity, fill*100)
	} else if fill < q.threshold && iq.bpActive {
		iq.bpActive = false
		q.signalBackpressure(BackpressureSignal{Identity: identity, Fill: fill, ShouldThrottle: false})
		log.Printf("queue: backpressure cleared for identity %q at %.0f%% fill", identity, fill*100)
	}
}

func (q *Queue) signalBackpressure(sig BackpressureSignal) {
	q.cbMu.RLock()
	fn := q.onBackpressure
	q.cbMu.RUnlock()
	if fn != nil {
		fn(sig)
	}
}

// Dequeue removes and returns the highest-priority, oldest-enqueued
// operation for an identity. Expired operations are dropped, reported, and
// never returned. ok is false when the queue is empty.
func (q *Queue) Dequeue(identity string) (op Operation, ok bool) {
	q.mu.RLock()
	iq, exists := q.identities[identity]
	q.mu.RUnlock()
	if !exists {
		return Operation{}, false
	}

	now := q.nowFunc()
	var expired []Operation

	iq.mu.Lock()
	for len(iq.heap) > 0 {
		s := heap.Pop(&iq.heap).(slot)
		delete(iq.ids, s.op.ID)
		if s.op.Priority == PriorityHigh && q.store != nil {
			if err := q.store.Delete(s.op.ID); err != nil {
				log.Printf("queue: clear persisted operation %s: %v", s.op.ID, err)
			}
		}
		if s.op.Expired(now) {
			expired = append(expired, s.op)
			continue
		}
		op, ok = s.op, true
		break
	}
	q.evaluateBackpressure(iq, identity)
	iq.mu.Unlock()

	q.reportExpired(expired)
	return op, ok
}

// reportExpired notifies the expiry consumer outside the identity lock.
func (q *Queue) reportExpired(ops []Operation) {
	if len(ops) == 0 {
		return
	}
	q.cbMu.RLock()
	fn := q.onExpired
	q.cbMu.RUnlock()
	for _, op := range ops {
		log.Printf("queue: operation %s for identity %q expired after %s queued",
			op.ID, op.Identity, q.nowFunc().Sub(op.EnqueuedAt).Round(time.Millisecond))
		if fn != nil {
			fn(op)
		}
	}
}

// RestorePersisted reloads durable operations left by a prior run and merges
// them into the live queue. Duplicate ids (already live or repeated in the
// store) collapse; already-expired entries are dropped from the store and
// reported. Returns the number of restored operations.
func (q *Queue) RestorePersisted() (int, error) {
	if q.store == nil {
		return 0, nil
	}

	ops, err := q.store.Load()
	if err != nil {
		return 0, fmt.Errorf("load persisted operations: %w", err)
	}

	now := q.nowFunc()
	restored := 0
	var expired []Operation
	seen := make(map[string]bool)

	for _, op := range ops {
		if seen[op.ID] {
			continue
		}
		seen[op.ID] = true

		if op.Expired(now) {
			if err := q.store.Delete(op.ID); err != nil {
				log.Printf("queue: drop expired persisted operation %s: %v", op.ID, err)
			}
			expired = append(expired, op)
			continue
		}

		iq := q.getOrCreate(op.Identity)
		seq := q.nextSeq()

		iq.mu.Lock()
		if iq.ids[op.ID] || len(iq.heap) >= q.capacity {
			iq.mu.Unlock()
			continue
		}
		heap.Push(&iq.heap, slot{op: op, seq: seq})
		iq.ids[op.ID] = true
		q.evaluateBackpressure(iq, op.Identity)
		iq.mu.Unlock()
		restored++
	}

	q.reportExpired(expired)
	if restored > 0 {
		log.Printf("queue: restored %d persisted operation(s)", restored)
	}
	return restored, nil
}

// Depth returns the number of queued operations for an identity.
func (q *Queue) Depth(identity string) int {
	q.mu.RLock()
	iq, ok := q.identities[identity]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	iq.mu.Lock()
	defer iq.mu.Unlock()
	return len(iq.heap)
}

// Identities returns all identities with a non-empty queue.
func (q *Queue) Identities() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]string, 0, len(q.identities))
	for identity, iq := range q.identities {
		iq.mu.Lock()
		n := len(iq.heap)
		iq.mu.Unlock()
		if n > 0 {
			out = append(out, identity)
		}
	}
	return out
}

// Depths returns the queue depth per identity, for metrics and diagnostics.
func (q *Queue) Depths() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]int, len(q.identities))
	for identity, iq := range q.identities {
		iq.mu.Lock()
		if n := len(iq.heap); n > 0 {
			out[identity] = n
		}
		iq.mu.Unlock()
	}
	return out
}

// RemoveIdentity drops an identity's queue entirely, clearing any durable
// mirrors of its high-priority entries.
func (q *Queue) RemoveIdentity(identity string) {
	q.mu.Lock()
	iq, ok := q.identities[identity]
	if ok {
		delete(q.identities, identity)
	}
	q.mu.Unlock()

	if !ok {
		return
	}

	iq.mu.Lock()
	defer iq.mu.Unlock()
	if q.store != nil {
		for _, s := range iq.heap {
			if s.op.Priority == PriorityHigh {
				if err := q.store.Delete(s.op.ID); err != nil {
					log.Printf("queue: clear persisted operation %s: %v", s.op.ID, err)
				}
			}
		}
	}
	iq.heap = nil
	iq.ids = make(map[string]bool)
}
