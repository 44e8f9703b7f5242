// Package engine runs streaming detection sessions. A single dispatcher goroutine
// routes completion events (accept, write acknowledged, finish) by token to the
// session that owns them; each accepted session drives the decode-and-detect
// pipeline on its own goroutine and writes one message at a time.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/oculus/internal/pipeline"
	"github.com/andresmejia3/oculus/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const writerGrace = 100 * time.Millisecond

// Call is one client request as seen by the engine. Send is only ever called
// from a single goroutine at a time; Finish is called exactly once.
type Call interface {
	Context() context.Context
	Request() *types.DetectRequest
	Send(msg *types.FrameMessage) error
	Finish(st types.Status)
}

// Recorder persists session history.
type Recorder interface {
	StartSession(ctx context.Context, id string, req *types.DetectRequest) error
	RecordFrame(ctx context.Context, id string, fr *types.FrameResult) error
	FinishSession(ctx context.Context, id string, st types.Status, frames int) error
}

// StatusPublisher announces terminal session statuses.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg types.SessionStatusMessage) error
}

// Config tunes the engine.
type Config struct {
	// Acceptors is the number of sessions kept armed for incoming requests.
	Acceptors int
	// MaxSessions bounds how many sessions run PROCESS at once.
	MaxSessions int64
	// WriteTimeout bounds the wait for one write acknowledgment.
	WriteTimeout time.Duration
	// WorkDir holds per-session scratch directories.
	WorkDir string
	// DefaultModel is used for requests that do not name a model.
	DefaultModel string
	QueueSize    int
}

func (c *Config) setDefaults() {
	if c.Acceptors < 1 {
		c.Acceptors = 1
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.QueueSize < 1 {
		c.QueueSize = 64
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithDetector registers a detector under a model name.
func WithDetector(name string, det pipeline.Detector) Option {
	return func(e *Engine) { e.detectors[name] = det }
}

func WithPreparer(p *pipeline.SourcePreparer) Option {
	return func(e *Engine) { e.preparer = p }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithPublisher(p StatusPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine bridges transport calls to sessions.
type Engine struct {
	cfg       Config
	producer  pipeline.FrameProducer
	detectors map[string]pipeline.Detector
	preparer  *pipeline.SourcePreparer
	recorder  Recorder
	publisher StatusPublisher
	logger    *zap.Logger

	queue      *CompletionQueue
	dispatcher *Dispatcher
	sem        *semaphore.Weighted
	armed      chan *Session

	baseCtx context.Context
	stop    context.CancelFunc

	mu             sync.Mutex
	started        bool
	closing        bool
	closed         chan struct{}
	dispatcherDone chan struct{}
	inflight       atomic.Int64
}

func New(cfg Config, producer pipeline.FrameProducer, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:            cfg,
		producer:       producer,
		detectors:      make(map[string]pipeline.Detector),
		logger:         zap.NewNop(),
		sem:            semaphore.NewWeighted(cfg.MaxSessions),
		armed:          make(chan *Session, cfg.Acceptors),
		closed:         make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.preparer == nil {
		e.preparer = &pipeline.SourcePreparer{}
	}
	e.queue = NewCompletionQueue(cfg.QueueSize)
	e.dispatcher = NewDispatcher(e.queue, e.logger.Named("dispatcher"))
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e
}

// Start launches the dispatcher and arms the initial acceptors.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go func() {
		defer close(e.dispatcherDone)
		e.dispatcher.Run()
	}()
	for i := 0; i < e.cfg.Acceptors; i++ {
		e.arm()
	}
	e.logger.Info("engine started",
		zap.Int("acceptors", e.cfg.Acceptors),
		zap.Int64("max_sessions", e.cfg.MaxSessions),
		zap.Duration("write_timeout", e.cfg.WriteTimeout))
}

// arm creates a session in CREATE and makes it available to the next call.
func (e *Engine) arm() {
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()
	if closing {
		return
	}

	s := newSession(e)
	t, err := e.dispatcher.issue(opAccept, s)
	if err != nil {
		e.logger.Error("cannot arm acceptor", zap.Error(err))
		return
	}
	s.acceptToken = t
	select {
	case e.armed <- s:
	default:
		e.dispatcher.abandon(t)
		e.logger.Warn("acceptor pool already full")
	}
}

// Serve runs call through a session and returns its terminal status. It blocks
// until the session has been released.
func (e *Engine) Serve(call Call) types.Status {
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	select {
	case <-e.closed:
		return types.Status{Code: types.StatusCancelled, Message: "engine is shutting down"}
	default:
	}

	var s *Session
	select {
	case s = <-e.armed:
	case <-e.closed:
		return types.Status{Code: types.StatusCancelled, Message: "engine is shutting down"}
	case <-call.Context().Done():
		return types.Status{Code: types.StatusCancelled, Message: call.Context().Err().Error()}
	}

	s.bind(call)
	if !e.queue.Post(Event{Token: s.acceptToken, OK: true}) {
		return types.Status{Code: types.StatusInternal, Message: "engine stopped"}
	}

	select {
	case <-s.done:
		e.awaitWriter(s)
		return s.Status()
	case <-e.dispatcherDone:
		select {
		case <-s.done:
			e.awaitWriter(s)
			return s.Status()
		default:
			return types.Status{Code: types.StatusInternal, Message: "engine stopped"}
		}
	}
}

// awaitWriter gives the session's writer a short grace period to leave its last
// send before the call goes back to the transport. A writer stuck in an abandoned
// send is left behind.
func (e *Engine) awaitWriter(s *Session) {
	t := time.NewTimer(writerGrace)
	defer t.Stop()
	select {
	case <-s.seq.WriterDone():
	case <-t.C:
		s.logger.Warn("writer still blocked in an abandoned send")
	}
}

// Cancel stops a live session; it ends with CANCELLED.
func (e *Engine) Cancel(id string) bool {
	s, ok := e.dispatcher.Lookup(id)
	if !ok {
		return false
	}
	s.logger.Info("cancelling session")
	s.cancel()
	return true
}

// Sessions lists the accepted sessions that have not been released, oldest first.
func (e *Engine) Sessions() []types.SessionInfo {
	live := e.dispatcher.snapshot()
	out := make([]types.SessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Shutdown stops accepting, cancels every live session and waits for them to be
// released before stopping the dispatcher.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	started := e.started
	close(e.closed)
	e.mu.Unlock()

	e.stop()
	err := e.waitIdle(ctx)
	e.queue.Shutdown()
	if started {
		<-e.dispatcherDone
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for e.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) detector(model string) (pipeline.Detector, error) {
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if model == "" && len(e.detectors) == 1 {
		for _, det := range e.detectors {
			return det, nil
		}
	}
	det, ok := e.detectors[model]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", types.ErrSetup, model)
	}
	return det, nil
}
