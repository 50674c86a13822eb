package engine

import (
	"container/heap"
	"sync"
	"time"
)

// queuedTask is one entry in the pending queue.
type queuedTask struct {
	taskID   string
	runAt    time.Time
	queuedAt time.Time
	index    int // heap index, maintained by container/heap
}

// taskHeap orders queued tasks by earliest run-at, then FIFO.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// pendingQueue holds tasks waiting for a worker slot, ordered so the
// soonest run-at gets the next free runner.
type pendingQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	taskMap map[string]*queuedTask
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*queuedTask),
	}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a task. Re-pushing an id that is still queued moves it to
// the new run-at instead of duplicating it.
func (q *pendingQueue) Push(taskID string, runAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if qt, exists := q.taskMap[taskID]; exists {
		qt.runAt = runAt
		heap.Fix(&q.heap, qt.index)
		return
	}

	qt := &queuedTask{
		taskID:   taskID,
		runAt:    runAt,
		queuedAt: time.Now(),
	}
	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
}

// Update adjusts the run-at of a task still in the queue. Ids already
// dispatched are ignored; their runner re-reads the record every tick.
func (q *pendingQueue) Update(taskID string, runAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	qt.runAt = runAt
	heap.Fix(&q.heap, qt.index)
	return true
}

// Pop removes and returns the earliest-run-at task id.
func (q *pendingQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return "", false
	}
	qt := heap.Pop(&q.heap).(*queuedTask)
	delete(q.taskMap, qt.taskID)
	return qt.taskID, true
}

// Remove drops a task that has not been dispatched yet.
func (q *pendingQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns how many tasks are waiting for a slot.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
