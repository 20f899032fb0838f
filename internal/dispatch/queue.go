package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

type queueItem struct {
	id    string
	at    time.Time
	index int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// ReadyQueue orders job ids by their next attempt time. A job id is held at
// most once; pushing it again keeps the earlier time.
type ReadyQueue struct {
	mu     sync.Mutex
	h      itemHeap
	byID   map[string]*queueItem
	notify chan struct{}
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{byID: map[string]*queueItem{}, notify: make(chan struct{}, 1)}
}

// Push schedules id at at and reports whether the queue changed.
func (q *ReadyQueue) Push(id string, at time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.byID[id]; ok {
		if !at.Before(it.at) {
			return false
		}
		it.at = at
		heap.Fix(&q.h, it.index)
	} else {
		it := &queueItem{id: id, at: at}
		heap.Push(&q.h, it)
		q.byID[id] = it
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// PopDue removes and returns the earliest id whose time is not after now.
func (q *ReadyQueue) PopDue(now time.Time) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 || q.h[0].at.After(now) {
		return "", false
	}
	it := heap.Pop(&q.h).(*queueItem)
	delete(q.byID, it.id)
	return it.id, true
}

// Next returns the earliest scheduled time.
func (q *ReadyQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Notify fires after a Push changes the queue.
func (q *ReadyQueue) Notify() <-chan struct{} {
	return q.notify
}
