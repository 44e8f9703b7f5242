package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/oculus/internal/metrics"
	"github.com/andresmejia3/oculus/internal/pipeline"
	"github.com/andresmejia3/oculus/internal/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State of a session.
type State int32

const (
	StateCreate State = iota
	StateProcess
	StateFinish
)

func (s State) String() string {
	switch s {
	case StateCreate:
		return "CREATE"
	case StateProcess:
		return "PROCESS"
	case StateFinish:
		return "FINISH"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrSessionFinished rejects every transition out of FINISH.
	ErrSessionFinished = errors.New("session already finished")
	// ErrInvalidTransition rejects a transition from the wrong state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

const observerTimeout = 5 * time.Second

// Session is one accepted request, from accept to release.
type Session struct {
	id          string
	engine      *Engine
	logger      *zap.Logger
	acceptToken Token

	mu      sync.Mutex
	state   State
	status  types.Status
	started time.Time

	// set by bind before the accept event is posted, read-only afterwards
	call     Call
	req      *types.DetectRequest
	ctx      context.Context
	cancel   context.CancelFunc
	stopHook func() bool
	seq      *Sequencer

	frames     atomic.Int64
	detections atomic.Int64
	releases   atomic.Int32

	releaseOnce sync.Once
	done        chan struct{}
}

func newSession(e *Engine) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		engine: e,
		logger: e.logger.With(zap.String("session_id", id)),
		state:  StateCreate,
		done:   make(chan struct{}),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the terminal status. It is only meaningful once Done is closed.
func (s *Session) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the session has released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinish {
		return fmt.Errorf("%w: %s -> %s", ErrSessionFinished, from, to)
	}
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s while in %s", ErrInvalidTransition, from, to, s.state)
	}
	s.state = to
	if to == StateProcess {
		s.started = time.Now()
	}
	return nil
}

func (s *Session) bind(call Call) {
	s.call = call
	s.req = call.Request()
	s.ctx, s.cancel = context.WithCancel(call.Context())
	s.stopHook = context.AfterFunc(s.engine.baseCtx, s.cancel)
	s.seq = newSequencer(s, call, s.engine.cfg.WriteTimeout)
}

// onAccepted arms the successor acceptor, then starts PROCESS on its own goroutine.
func (s *Session) onAccepted(ev Event) {
	s.engine.arm()

	if err := s.transition(StateCreate, StateProcess); err != nil {
		s.logger.Warn("accept rejected", zap.Error(err))
		return
	}
	s.engine.dispatcher.register(s)
	metrics.ActiveSessions.Inc()
	go s.process()
}

func (s *Session) onWriteDone(ev Event) {
	s.seq.deliver(ev)
}

func (s *Session) onFinished(ev Event) {
	if s.State() != StateFinish {
		s.logger.Warn("finish completion for a session that is not finishing", zap.Stringer("state", s.State()))
		return
	}
	s.release()
}

func (s *Session) process() {
	ctx, span := otel.Tracer("engine").Start(s.ctx, "Session.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session.id", s.id)))

	var sum pipeline.Summary
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
		st := types.StatusFromError(err)
		if st.Failed() {
			span.SetStatus(codes.Error, st.String())
		}
		span.SetAttributes(attribute.String("session.status", st.Code.String()))
		span.End()

		s.report(st, sum)
		s.finish(st)
	}()

	sum, err = s.run(ctx)
}

func (s *Session) run(ctx context.Context) (pipeline.Summary, error) {
	e := s.engine
	if s.req == nil || s.req.Source == "" {
		return pipeline.Summary{}, fmt.Errorf("%w: request without a source", types.ErrSetup)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return pipeline.Summary{}, fmt.Errorf("%w: waiting for a worker slot: %v", types.ErrCancelled, err)
	}
	defer e.sem.Release(1)

	det, err := e.detector(s.req.Model)
	if err != nil {
		return pipeline.Summary{}, err
	}

	workDir := filepath.Join(e.cfg.WorkDir, s.id)
	defer os.RemoveAll(workDir)

	path, err := e.preparer.Prepare(ctx, s.req, workDir)
	if err != nil {
		return pipeline.Summary{}, err
	}

	if e.recorder != nil {
		if err := e.recorder.StartSession(ctx, s.id, s.req); err != nil {
			s.logger.Warn("failed to record session start", zap.Error(err))
		}
	}

	s.logger.Info("session processing", zap.String("source", s.req.Source), zap.String("path", path))
	runner := &pipeline.Runner{
		Producer:   e.producer,
		Detector:   det,
		Thresholds: s.req.EffectiveThresholds(),
		OnFrame:    s.observeFrame,
	}
	return runner.Run(ctx, path, s.seq)
}

// observeFrame runs after a frame's message was acknowledged.
func (s *Session) observeFrame(fr *types.FrameResult, detect time.Duration) {
	s.frames.Add(1)
	s.detections.Add(int64(len(fr.Labels)))
	metrics.FramesProcessedTotal.Inc()
	metrics.DetectDuration.Observe(detect.Seconds())
	for _, l := range fr.Labels {
		metrics.DetectionsTotal.WithLabelValues(l.Name).Inc()
	}

	if rec := s.engine.recorder; rec != nil {
		if err := rec.RecordFrame(s.ctx, s.id, fr); err != nil {
			s.logger.Warn("failed to record frame", zap.Int("frame_index", fr.Index), zap.Error(err))
		}
	}
}

// report hands the outcome to the recorder and the status publisher. Their failures never change st.
func (s *Session) report(st types.Status, sum pipeline.Summary) {
	fields := []zap.Field{
		zap.Stringer("status", st),
		zap.Int("frames", sum.Frames),
		zap.Int("detections", sum.Detections),
		zap.Duration("elapsed", sum.Elapsed),
	}
	switch {
	case st.Code == types.StatusEmptyInput:
		s.logger.Warn("session produced no frames", fields...)
	case st.Failed():
		s.logger.Error("session failed", fields...)
	default:
		s.logger.Info("session completed", fields...)
	}

	e := s.engine
	if e.recorder == nil && e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	frames := int(s.frames.Load())
	if e.recorder != nil {
		if err := e.recorder.FinishSession(ctx, s.id, st, frames); err != nil {
			s.logger.Warn("failed to record session end", zap.Error(err))
		}
	}
	if e.publisher != nil {
		msg := types.SessionStatusMessage{
			SessionID:  s.id,
			Status:     st.Code.String(),
			Message:    st.Message,
			Frames:     frames,
			Detections: int(s.detections.Load()),
			StartedAt:  s.startedAt(),
			FinishedAt: time.Now(),
		}
		if s.req != nil {
			msg.Source = s.req.Source
			msg.Model = s.req.Model
		}
		if err := e.publisher.PublishStatus(ctx, msg); err != nil {
			s.logger.Warn("failed to publish session status", zap.Error(err))
		}
	}
}

// finish ends the stream and hands the release to the dispatcher.
func (s *Session) finish(st types.Status) {
	if err := s.transition(StateProcess, StateFinish); err != nil {
		s.logger.Warn("finish rejected", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()

	s.call.Finish(st)

	d := s.engine.dispatcher
	token, err := d.issue(opFinish, s)
	if err != nil {
		s.logger.Error("cannot issue finish token", zap.Error(err))
		s.release()
		return
	}
	if !s.engine.queue.Post(Event{Token: token, OK: true}) {
		d.abandon(token)
		s.release()
	}
}

// release frees everything the session owns. Runs at most once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.seq.Close()
		s.stopHook()
		s.cancel()
		s.engine.dispatcher.unregister(s)

		st := s.Status()
		metrics.ActiveSessions.Dec()
		metrics.SessionsTotal.WithLabelValues(st.Code.String()).Inc()
		metrics.SessionDuration.Observe(time.Since(s.startedAt()).Seconds())

		s.releases.Add(1)
		s.logger.Debug("session released", zap.Stringer("status", st))
		close(s.done)
	})
}

func (s *Session) startedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := types.SessionInfo{
		ID:      s.id,
		State:   s.state.String(),
		Started: s.started,
		Frames:  int(s.frames.Load()),
	}
	if s.req != nil {
		info.Source = s.req.Source
		info.Model = s.req.Model
	}
	return info
}
