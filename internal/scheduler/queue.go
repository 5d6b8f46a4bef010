// Package scheduler runs deferred work from explicit task entries (due time
// plus payload) so pending work can be listed, cancelled and moved to a
// shared queue.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateTask is returned when a task id is already queued.
var ErrDuplicateTask = errors.New("task already queued")

// Task is one scheduled unit of deferred work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	IncidentID string          `json:"incident_id,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Queue stores tasks until they are due.
type Queue interface {
	Push(ctx context.Context, task Task) error
	// PopDue removes and returns up to max tasks whose RunAt is not after now,
	// earliest first.
	PopDue(ctx context.Context, now time.Time, max int) ([]Task, error)
	// Remove deletes a queued task and reports whether it was present.
	Remove(ctx context.Context, id string) (bool, error)
	// List returns queued tasks ordered by RunAt.
	List(ctx context.Context) ([]Task, error)
	Len(ctx context.Context) (int, error)
	// Durable reports whether queued tasks survive a process restart.
	Durable() bool
}

// MemoryQueue is a process-local min-heap on RunAt.
type MemoryQueue struct {
	mu    sync.Mutex
	items taskHeap
	byID  map[string]*heapItem
	seq   uint64
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byID: make(map[string]*heapItem)}
}

// Push implements Queue.
func (q *MemoryQueue) Push(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[task.ID]; ok {
		return ErrDuplicateTask
	}
	q.seq++
	item := &heapItem{task: task, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[task.ID] = item
	return nil
}

// PopDue implements Queue.
func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, max int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Task
	for len(q.items) > 0 && (max <= 0 || len(due) < max) {
		next := q.items[0]
		if next.task.RunAt.After(now) {
			break
		}
		heap.Pop(&q.items)
		delete(q.byID, next.task.ID)
		due = append(due, next.task)
	}
	return due, nil
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, id)
	return true, nil
}

// List implements Queue.
func (q *MemoryQueue) List(_ context.Context) ([]Task, error) {
	q.mu.Lock()
	sorted := make(taskHeap, len(q.items))
	copy(sorted, q.items)
	q.mu.Unlock()

	out := make([]Task, 0, len(sorted))
	tmp := make(taskHeap, 0, len(sorted))
	for _, it := range sorted {
		tmp = append(tmp, &heapItem{task: it.task, seq: it.seq})
	}
	heap.Init(&tmp)
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*heapItem).task)
	}
	return out, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Durable implements Queue; memory tasks are lost on restart.
func (q *MemoryQueue) Durable() bool { return false }

type heapItem struct {
	task  Task
	seq   uint64
	index int
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.RunAt.Equal(h[j].task.RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.RunAt.Before(h[j].task.RunAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
