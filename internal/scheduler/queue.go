package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
)

// Job is a transient scheduling unit for one product price update.
// Execution is at-least-once with bounded retry.
type Job struct {
	ID        string
	ProductID string
	Priority  int
	Attempt   int
	RunAt     time.Time
	CreatedAt time.Time

	seq uint64
}

// Queue is a delay-aware job queue. Pop blocks until a job is due. The
// in-memory implementation below is the default; a durable queue can be
// swapped in behind this interface.
type Queue interface {
	Push(job *Job) error
	Pop(ctx context.Context) (*Job, error)
	Size() int
	Close() error
}

// DelayQueue orders jobs by due time, then priority (1 is highest), then
// insertion order.
type DelayQueue struct {
	mu     sync.Mutex
	jobs   jobHeap
	wake   chan struct{}
	done   chan struct{}
	seq    uint64
	closed bool
	now    func() time.Time
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

func (q *DelayQueue) Push(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	job.seq = q.seq
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	heap.Push(&q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next due job, waiting as long as necessary. It unblocks
// with ErrQueueClosed once the queue is closed and drained, or with the
// context error on cancellation.
func (q *DelayQueue) Pop(ctx context.Context) (*Job, error) {
	done := q.done
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		var due <-chan time.Time
		if len(q.jobs) > 0 {
			next := q.jobs[0].RunAt
			now := q.now()
			if !next.After(now) {
				job := heap.Pop(&q.jobs).(*Job)
				q.mu.Unlock()
				return job, nil
			}
			due = time.After(next.Sub(now))
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-due:
		case <-done:
			// Re-check the drain condition once, then fall back to
			// waiting on due times only.
			done = nil
		}
	}
}

func (q *DelayQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting new jobs. Jobs already queued can still be
// drained; in-flight work is left to finish naturally.
func (q *DelayQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].RunAt.Before(h[j].RunAt)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
