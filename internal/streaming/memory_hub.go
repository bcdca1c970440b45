package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

// MemoryHub is the in-process EventHub. Delivery is non-blocking: a
// subscriber that stops draining its channel loses events rather than
// stalling the engine's run goroutines.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish fans the event out to every subscriber whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func
// removes it; events published afterwards are no longer delivered.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{
		ch:     make(chan StreamEvent, subscriberBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

// matches reports whether the event passes the filter. A zero filter
// matches everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
