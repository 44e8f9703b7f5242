package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/oculus/internal/metrics"
	"github.com/andresmejia3/oculus/internal/types"
)

var (
	// ErrWriteInFlight is returned when a submission overlaps an unacknowledged one.
	ErrWriteInFlight = errors.New("a write is already in flight")
	// ErrSequencerClosed is returned after the sequencer was released or a write was abandoned.
	ErrSequencerClosed = errors.New("write sequencer closed")
)

type outbound struct {
	token Token
	msg   *types.FrameMessage
}

// Sequencer serializes the outbound messages of one session. Sends happen on its
// own writer goroutine; the completion travels through the dispatcher and comes
// back on acks, which only this session reads.
type Sequencer struct {
	session    *Session
	dispatcher *Dispatcher
	queue      *CompletionQueue
	call       Call
	timeout    time.Duration

	outbox     chan outbound
	acks       chan Event
	writerDone chan struct{}

	mu       sync.Mutex
	inFlight bool
	closed   bool
}

func newSequencer(s *Session, call Call, timeout time.Duration) *Sequencer {
	q := &Sequencer{
		session:    s,
		dispatcher: s.engine.dispatcher,
		queue:      s.engine.queue,
		call:       call,
		timeout:    timeout,
		outbox:     make(chan outbound, 1),
		acks:       make(chan Event, 1),
		writerDone: make(chan struct{}),
	}
	go q.writeLoop(q.outbox)
	return q
}

func (q *Sequencer) writeLoop(outbox <-chan outbound) {
	defer close(q.writerDone)
	for out := range outbox {
		err := q.call.Send(out.msg)
		q.queue.Post(Event{Token: out.token, OK: err == nil, Err: err})
	}
}

// Emit lets a Sequencer act as the pipeline's sink.
func (q *Sequencer) Emit(ctx context.Context, fr *types.FrameResult) error {
	return q.SubmitAndWait(ctx, &types.FrameMessage{SessionID: q.session.id, Result: fr})
}

// SubmitAndWait hands msg to the writer and blocks until that write is
// acknowledged, fails, times out or ctx is done.
func (q *Sequencer) SubmitAndWait(ctx context.Context, msg *types.FrameMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSequencerClosed
	}
	if q.inFlight {
		q.mu.Unlock()
		return ErrWriteInFlight
	}
	token, err := q.dispatcher.issue(opWrite, q.session)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.inFlight = true
	q.outbox <- outbound{token: token, msg: msg}
	q.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case ev := <-q.acks:
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
		metrics.WriteAckDuration.Observe(time.Since(start).Seconds())
		if !ev.OK {
			return fmt.Errorf("%w: %v", types.ErrWrite, ev.Err)
		}
		return nil
	case <-timer.C:
		q.abandon(token)
		return fmt.Errorf("%w: no acknowledgment within %s", types.ErrWrite, q.timeout)
	case <-ctx.Done():
		q.abandon(token)
		return fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}
}

// abandon gives up on token. The send it belongs to may still be running, so the
// sequencer refuses further submissions.
func (q *Sequencer) abandon(token Token) {
	q.dispatcher.abandon(token)
	q.mu.Lock()
	q.closed = true
	q.inFlight = false
	q.mu.Unlock()
}

// deliver is called by the dispatcher and must not block.
func (q *Sequencer) deliver(ev Event) {
	select {
	case q.acks <- ev:
	default:
		q.session.logger.Warn("dropping unexpected write acknowledgment")
	}
}

// Close stops the writer goroutine once its current send, if any, returns. It
// does not wait: after an abandoned write the writer may outlive the session's
// release until the transport gives up on that send. WriterDone reports its exit.
func (q *Sequencer) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outbox == nil {
		return
	}
	q.closed = true
	close(q.outbox)
	q.outbox = nil
}

// WriterDone is closed once the writer goroutine has returned from its last send.
func (q *Sequencer) WriterDone() <-chan struct{} { return q.writerDone }
