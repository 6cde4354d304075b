// Package queue implements the admission-bounded priority queue and the
// worker pool that executes tasks against generation backends.
package queue

import (
	"container/heap"
	"sync"

	"github.com/ashdyer/kiln/internal/model"
)

// ErrQueueFull is returned by Submit when the queue is at its configured
// depth. Callers must handle rejection; admission never blocks.
var ErrQueueFull = model.Errf(model.KindQueueFull, "queue is full")

type item struct {
	task *model.Task
	seq  uint64 // submission order tie-break within a priority level
}

// taskHeap orders items by (priority desc, created_at asc), with the
// submission sequence as the final tie-break.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded-depth priority queue. Dequeue blocks until work is
// available or the queue is closed.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    taskHeap
	maxDepth int
	seq      uint64
	closed   bool
}

// NewQueue creates a queue that admits at most maxDepth pending tasks.
func NewQueue(maxDepth int) *Queue {
	q := &Queue{maxDepth: maxDepth}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a task, returning ErrQueueFull once depth has reached the
// configured maximum.
func (q *Queue) Enqueue(t *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueFull
	}
	if len(q.items) >= q.maxDepth {
		return ErrQueueFull
	}
	q.push(t)
	return nil
}

// Requeue re-inserts a task that was already admitted (a retry attempt or a
// task recovered at startup). It bypasses the depth check: the task's
// admission decision was made when it was first submitted.
func (q *Queue) Requeue(t *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.push(t)
}

func (q *Queue) push(t *model.Task) {
	q.seq++
	heap.Push(&q.items, &item{task: t, seq: q.seq})
	q.cond.Signal()
}

// Dequeue blocks until a task is available or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *Queue) Dequeue() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	return it.task, true
}

// Remove deletes a queued task by id, reporting whether it was present.
// Used by cancellation before a worker picks the task up.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.task.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops admission and wakes all blocked Dequeue calls once the queue
// drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
