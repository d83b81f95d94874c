package engine

import (
	"context"
	"sync"

	"intraday-engine/pkg/types"
)

type eventKind int

const (
	evQuote eventKind = iota
	evOrderUpdate
	evOpen
	evSocketErr
	evAlert
	evFlatten
)

func (k eventKind) String() string {
	switch k {
	case evQuote:
		return "quote"
	case evOrderUpdate:
		return "order_update"
	case evOpen:
		return "open"
	case evSocketErr:
		return "socket_error"
	case evAlert:
		return "alert"
	case evFlatten:
		return "flatten"
	}
	return "unknown"
}

// event is one unit of work for the single writer. Exactly one payload field
// is meaningful per kind.
type event struct {
	kind       eventKind
	quote      types.QuoteTick
	order      types.OrderMsg
	err        error
	reconnects int64
}

// queue is the unbounded FIFO that serializes all four websocket callbacks
// and the clock's control messages onto the single writer. Producers never
// block; the consumer blocks in pop until work arrives or ctx ends.
type queue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop(ctx context.Context) (event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// depth returns the number of queued events (diagnostics only).
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
