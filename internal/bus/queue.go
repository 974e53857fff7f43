package bus

import (
	"container/heap"

	"github.com/riptide-engine/riptide/internal/schema"
)

// queuedEvent pairs an event with its publish sequence number. done is non-nil
// only for synchronous publishes awaiting handler completion.
type queuedEvent struct {
	evt  *schema.Event
	seq  uint64
	done chan error
}

// eventHeap orders buffered events by priority (descending), then by publish
// order. Priority only reorders events that are already buffered; a queue of
// uniform priority degrades to plain FIFO.
type eventHeap []*queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].evt.Priority != h[j].evt.Priority {
		return h[i].evt.Priority > h[j].evt.Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*queuedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// removeOldest drops the earliest-published buffered event regardless of
// priority and returns it.
func (h *eventHeap) removeOldest() *queuedEvent {
	if h.Len() == 0 {
		return nil
	}
	oldest := 0
	for i := 1; i < h.Len(); i++ {
		if (*h)[i].seq < (*h)[oldest].seq {
			oldest = i
		}
	}
	victim := (*h)[oldest]
	heap.Remove(h, oldest)
	return victim
}
