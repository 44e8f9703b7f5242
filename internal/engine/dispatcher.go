package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/oculus/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrOperationPending is returned when a session already owns an outstanding token.
	ErrOperationPending = errors.New("session already has a pending operation")
	// ErrSessionUnknown is returned for a session the dispatcher does not track.
	ErrSessionUnknown = errors.New("session is not registered")
)

type opKind int

const (
	opAccept opKind = iota
	opWrite
	opFinish
)

func (k opKind) String() string {
	switch k {
	case opAccept:
		return "accept"
	case opWrite:
		return "write"
	case opFinish:
		return "finish"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

type pendingOp struct {
	kind    opKind
	session *Session
}

// Dispatcher owns the token table and the session registry. Its Run loop is the
// only place completion events are consumed, and it only routes: every handler it
// calls returns without blocking.
type Dispatcher struct {
	queue  *CompletionQueue
	logger *zap.Logger

	mu        sync.Mutex
	nextToken Token
	pending   map[Token]pendingOp
	owned     map[*Session]Token
	sessions  map[string]*Session
}

func NewDispatcher(queue *CompletionQueue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		logger:   logger,
		pending:  make(map[Token]pendingOp),
		owned:    make(map[*Session]Token),
		sessions: make(map[string]*Session),
	}
}

// issue hands out a fresh token for s. A session may only own one token at a time.
func (d *Dispatcher) issue(kind opKind, s *Session) (Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.owned[s]; ok {
		return 0, fmt.Errorf("%w: %s token %d", ErrOperationPending, d.pending[t].kind, t)
	}
	d.nextToken++
	t := d.nextToken
	d.pending[t] = pendingOp{kind: kind, session: s}
	d.owned[s] = t
	return t, nil
}

// abandon forgets t. A completion that arrives for it later is dropped.
func (d *Dispatcher) abandon(t Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if op, ok := d.pending[t]; ok {
		delete(d.pending, t)
		if d.owned[op.session] == t {
			delete(d.owned, op.session)
		}
	}
}

func (d *Dispatcher) claim(t Token) (pendingOp, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.pending[t]
	if !ok {
		return pendingOp{}, false
	}
	delete(d.pending, t)
	delete(d.owned, op.session)
	return op, true
}

func (d *Dispatcher) register(s *Session) {
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
}

func (d *Dispatcher) unregister(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s.id)
	if t, ok := d.owned[s]; ok {
		delete(d.pending, t)
		delete(d.owned, s)
	}
}

// Lookup returns a registered (accepted, not yet released) session.
func (d *Dispatcher) Lookup(id string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

func (d *Dispatcher) snapshot() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// Pending reports how many tokens are outstanding.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run routes events until the queue is shut down.
func (d *Dispatcher) Run() {
	for {
		ev, ok := d.queue.Next()
		if !ok {
			d.logger.Info("completion queue shut down, dispatcher stopping")
			return
		}
		d.route(ev)
	}
}

func (d *Dispatcher) route(ev Event) {
	op, ok := d.claim(ev.Token)
	if !ok {
		d.logger.Warn("dropping completion for unknown token", zap.Uint64("token", uint64(ev.Token)), zap.Bool("ok", ev.OK))
		return
	}
	metrics.DispatcherEventsTotal.WithLabelValues(op.kind.String()).Inc()

	switch op.kind {
	case opAccept:
		op.session.onAccepted(ev)
	case opWrite:
		op.session.onWriteDone(ev)
	case opFinish:
		op.session.onFinished(ev)
	}
}
