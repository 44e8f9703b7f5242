package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized     = errors.New("detector model not initialized")
	ErrAlreadyInitialized = errors.New("detector model already initialized")
	ErrModelClosed        = errors.New("detector model closed")
)

// ModelConfig describes one detection model and how to run it.
type ModelConfig struct {
	Name        string
	Labels      string   // one label per line, line N is class N
	Config      string   // network configuration file
	Weights     string   // trained weights
	Annotate    bool     // ask the detector to save frames with boxes drawn
	OutputDir   string   // where annotated frames go, as prediction.<index>.jpg
	Engines     int      // number of detector processes
	Command     []string // detector executable and its fixed arguments
	ReadTimeout time.Duration
}

// Args is the full argv handed to each detector process.
func (c ModelConfig) Args() []string {
	args := append([]string{}, c.Command...)
	args = append(args, "--cfg", c.Config, "--weights", c.Weights)
	if c.Annotate {
		args = append(args, "--annotate")
		if c.OutputDir != "" {
			args = append(args, "--output-dir", c.OutputDir)
		}
	}
	return args
}

type startFunc func(ctx context.Context, id int) (*Worker, error)

// Model is the process-wide detector handle. It is initialized exactly once and
// then shared by every session; each Detect call borrows one idle process, so a
// single process never sees two frames at the same time.
type Model struct {
	mu     sync.Mutex
	cfg    ModelConfig
	labels []string
	idle   chan *Worker
	start  startFunc
	ready  bool
	closed bool
	logger *zap.Logger
}

// NewModel returns an uninitialized model handle.
func NewModel(logger *zap.Logger) *Model {
	return &Model{logger: logger}
}

// Initialize loads the labels and spawns the detector processes.
func (m *Model) Initialize(ctx context.Context, cfg ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready {
		return ErrAlreadyInitialized
	}
	if m.closed {
		return ErrModelClosed
	}

	for _, f := range []string{cfg.Labels, cfg.Config, cfg.Weights} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: model file: %v", types.ErrSetup, err)
		}
	}
	labels, err := LoadLabels(cfg.Labels)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSetup, err)
	}
	if cfg.Engines < 1 {
		cfg.Engines = 1
	}

	start := m.start
	if start == nil {
		argv := cfg.Args()
		start = func(ctx context.Context, id int) (*Worker, error) {
			return StartWorker(ctx, id, argv, cfg.ReadTimeout)
		}
	}

	idle := make(chan *Worker, cfg.Engines)
	for i := 0; i < cfg.Engines; i++ {
		w, err := start(ctx, i)
		if err != nil {
			close(idle)
			for started := range idle {
				started.Close()
			}
			return fmt.Errorf("%w: %v", types.ErrSetup, err)
		}
		idle <- w
	}

	m.cfg = cfg
	m.labels = labels
	m.idle = idle
	m.start = start
	m.ready = true

	m.logger.Info("detector model initialized",
		zap.String("model", cfg.Name),
		zap.Int("labels", len(labels)),
		zap.Int("engines", cfg.Engines),
	)
	return nil
}

// Name returns the configured model name.
func (m *Model) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Name
}

// Labels returns the class names, indexed by class id.
func (m *Model) Labels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels...)
}

// Detect runs the model over frame index. Class ids are resolved to label names.
// A process that fails, times out or is abandoned because ctx ended is killed and replaced.
func (m *Model) Detect(ctx context.Context, index int, frame []byte, th types.Thresholds) ([]types.Detection, error) {
	m.mu.Lock()
	ready, closed, idle, labels := m.ready, m.closed, m.idle, m.labels
	m.mu.Unlock()

	if closed {
		return nil, ErrModelClosed
	}
	if !ready {
		return nil, ErrNotInitialized
	}

	var w *Worker
	select {
	case w = <-idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dets, err := w.ProcessFrame(ctx, index, frame, th)
	if err != nil {
		m.logger.Warn("detector worker failed, replacing it", zap.Int("worker_id", w.ID), zap.Int("frame_index", index), zap.Error(err))
		w.Kill()
		if nw, startErr := m.start(context.Background(), w.ID); startErr == nil {
			w = nw
		} else {
			m.logger.Error("detector worker restart failed", zap.Int("worker_id", w.ID), zap.Error(startErr))
		}
		idle <- w
		return nil, err
	}
	idle <- w

	for i := range dets {
		if id := dets[i].ClassID; id >= 0 && id < len(labels) {
			dets[i].Label = labels[id]
		} else {
			dets[i].Label = fmt.Sprintf("class_%d", id)
		}
	}
	return dets, nil
}

// Close stops every detector process. In-flight Detect calls finish first.
func (m *Model) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ready, idle, engines := m.ready, m.idle, m.cfg.Engines
	m.mu.Unlock()

	if !ready {
		return
	}
	for i := 0; i < engines; i++ {
		w := <-idle
		w.Close()
	}
}

// LoadLabels reads a label list, one name per line. Blank lines keep their class slot.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	// A trailing newline should not create a phantom class
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
