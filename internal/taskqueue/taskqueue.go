// Package taskqueue runs deferred work off the request hot path on a single
// worker with a bounded buffer.
package taskqueue

import (
	"sync"
	"sync/atomic"
)

// Queue executes enqueued funcs in order on one background goroutine.
// Enqueue never blocks: when the buffer is full the task is dropped and
// counted.
type Queue struct {
	tasks   chan func()
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{tasks: make(chan func(), capacity)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for task := range q.tasks {
		task()
	}
}

// Enqueue schedules a task. Returns false when the queue is full or closed
// and the task was dropped.
func (q *Queue) Enqueue(task func()) bool {
	if task == nil {
		return false
	}
	defer func() {
		// Enqueue after Close loses the race on the closed channel; treat it
		// as a drop rather than a crash.
		if recover() != nil {
			q.dropped.Add(1)
		}
	}()
	select {
	case q.tasks <- task:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped reports how many tasks were discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close stops accepting tasks and waits for queued ones to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})
	q.wg.Wait()
}
