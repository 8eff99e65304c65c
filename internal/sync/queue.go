package sync

import (
	"context"
	"sync"
)

// job is one unit of work for the consumer. done is nil for pushes nobody
// waits on.
type job struct {
	name string
	run  func(ctx context.Context) error

	// fatal stops the engine when run fails.
	fatal bool
	done  chan error
}

// queue is an unbounded FIFO with a single consumer. Producers never block,
// so a slow replay cannot stall the push reader.
type queue struct {
	mu     sync.Mutex
	items  []job
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *queue) pop(ctx context.Context) (job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = job{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return job{}, ctx.Err()
		}
	}
}

// drain fails every pending job that has a waiter.
func (q *queue) drain(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, j := range items {
		if j.done != nil {
			j.done <- err
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
