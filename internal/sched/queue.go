package sched

import (
	"container/heap"
	"time"
)

// task is one pending step execution, keyed by (run, step) and ordered by
// due time.
type task struct {
	runID        string
	automationID string
	leadID       string
	step         int
	due          time.Time
}

type taskHeap []task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// workQueue is a time-ordered queue of pending step executions. Keeping
// scheduled work explicit (instead of one timer per step) makes pending
// steps inspectable and cancellable.
type workQueue struct {
	heap taskHeap
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	heap.Init(&q.heap)
	return q
}

func (q *workQueue) push(t task) {
	heap.Push(&q.heap, t)
}

func (q *workQueue) peek() (task, bool) {
	if len(q.heap) == 0 {
		return task{}, false
	}
	return q.heap[0], true
}

func (q *workQueue) pop() (task, bool) {
	if len(q.heap) == 0 {
		return task{}, false
	}
	return heap.Pop(&q.heap).(task), true
}

// removeRun drops all pending tasks for a run.
func (q *workQueue) removeRun(runID string) {
	kept := q.heap[:0]
	for _, t := range q.heap {
		if t.runID != runID {
			kept = append(kept, t)
		}
	}
	q.heap = kept
	heap.Init(&q.heap)
}

func (q *workQueue) snapshot() []task {
	out := make([]task, len(q.heap))
	copy(out, q.heap)
	return out
}
