package skein

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// DeliveryQueue is the thread-safe, blocking, unbounded FIFO of completed
// envelopes. Every accepted connection's read loop pushes into it; one or
// more consumers pop. Arrival order is preserved, but arrival order across
// concurrently-reading connections is whatever the scheduler made of it.
//
// Depth is unbounded on purpose: backpressure is a non-goal of this layer.
type DeliveryQueue struct {
	msink  metrics.MetricSink
	labels []metrics.Label

	mu     sync.Mutex
	items  []*Envelope
	head   int
	closed bool
	// wakeCh is closed and replaced on every push, waking all blocked
	// poppers at once.
	wakeCh chan struct{}
}

func NewDeliveryQueue(msink metrics.MetricSink, labels []metrics.Label) *DeliveryQueue {
	if msink == nil {
		msink = metrics.Default()
	}
	return &DeliveryQueue{
		msink:  msink,
		labels: labels,
		wakeCh: make(chan struct{}),
	}
}

// Push appends env and wakes blocked poppers. It reports false if the queue
// has been closed, in which case env was not enqueued; callers decide
// whether that is worth a log line.
func (q *DeliveryQueue) Push(env *Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	depth := len(q.items) - q.head
	wake := q.wakeCh
	q.wakeCh = make(chan struct{})
	q.mu.Unlock()

	q.msink.SetGaugeWithLabels(MetricSkeinQueueDepth, float32(depth), q.labels)
	close(wake)
	return true
}

// Pop removes and returns the oldest envelope, blocking up to timeout.
// A non-positive timeout blocks indefinitely. It returns ok=false when the
// timeout elapsed or the queue was closed while empty; that is a normal
// not-ready result, not an error.
func (q *DeliveryQueue) Pop(timeout time.Duration) (env *Envelope, ok bool) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			env = q.items[q.head]
			q.items[q.head] = nil
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			depth := len(q.items) - q.head
			q.mu.Unlock()
			q.msink.SetGaugeWithLabels(MetricSkeinQueueDepth, float32(depth), q.labels)
			return env, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		wake := q.wakeCh
		q.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, false
		}
	}
}

// Len reports the current depth.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close wakes every blocked popper. Envelopes already enqueued remain
// poppable; further pushes are refused. Idempotent.
func (q *DeliveryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	wake := q.wakeCh
	q.wakeCh = make(chan struct{})
	q.mu.Unlock()
	close(wake)
}
