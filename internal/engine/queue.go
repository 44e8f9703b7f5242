package engine

import "sync"

// Token identifies one pending asynchronous operation. Zero is never issued.
type Token uint64

// Event is a completed operation: which token finished and whether it succeeded.
type Event struct {
	Token Token
	OK    bool
	Err   error
}

// CompletionQueue carries completion events from every session to the dispatcher.
type CompletionQueue struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewCompletionQueue(size int) *CompletionQueue {
	if size < 1 {
		size = 1
	}
	return &CompletionQueue{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Post enqueues ev. It returns false once the queue has been shut down.
func (q *CompletionQueue) Post(ev Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.events <- ev:
		return true
	case <-q.done:
		return false
	}
}

// Next blocks for the next event. ok is false after Shutdown.
func (q *CompletionQueue) Next() (ev Event, ok bool) {
	select {
	case ev = <-q.events:
		return ev, true
	case <-q.done:
		return Event{}, false
	}
}

// Shutdown wakes Next and makes every later Post fail. Safe to call more than once.
func (q *CompletionQueue) Shutdown() {
	q.once.Do(func() { close(q.done) })
}
