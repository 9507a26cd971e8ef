package frame

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
)

// ErrEventExists is returned when an event id is already queued.
var ErrEventExists = errors.New("event already queued")

type queued struct {
	event domain.ScheduledEvent
	seq   uint64
	index int
}

type eventHeap []*queued

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.ExecuteFrame != h[j].event.ExecuteFrame {
		return h[i].event.ExecuteFrame < h[j].event.ExecuteFrame
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// EventQueue orders scheduled events by execute frame, then insertion order.
// It implements domain.Scheduler.
type EventQueue struct {
	mu    sync.Mutex
	frame int64
	seq   uint64
	items eventHeap
	byID  map[string]*queued
}

var _ domain.Scheduler = (*EventQueue)(nil)

// NewEventQueue creates a queue positioned at frame 0.
func NewEventQueue() *EventQueue {
	return &EventQueue{byID: make(map[string]*queued)}
}

// CurrentFrame returns the frame being processed.
func (q *EventQueue) CurrentFrame() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frame
}

// Insert queues event. An empty id is replaced with a generated one.
func (q *EventQueue) Insert(event domain.ScheduledEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[event.ID]; ok {
		return ErrEventExists
	}
	q.seq++
	item := &queued{event: event, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[event.ID] = item
	return nil
}

// Cancel removes a queued event and reports whether it was pending.
func (q *EventQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, id)
	return true
}

// Advance moves to the next frame and returns it.
func (q *EventQueue) Advance() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frame++
	return q.frame
}

// PopDue removes and returns every event whose execute frame is at or before
// the current frame.
func (q *EventQueue) PopDue() []domain.ScheduledEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []domain.ScheduledEvent
	for len(q.items) > 0 && q.items[0].event.ExecuteFrame <= q.frame {
		item := heap.Pop(&q.items).(*queued)
		delete(q.byID, item.event.ID)
		due = append(due, item.event)
	}
	return due
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
