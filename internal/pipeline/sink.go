package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/oculus/internal/types"
)

// JSONLinesSink writes one JSON object per frame.
type JSONLinesSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLinesSink writes to w; the caller keeps ownership of w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	bw := bufio.NewWriter(w)
	return &JSONLinesSink{w: bw, enc: json.NewEncoder(bw)}
}

// CreateJSONLinesFile opens (truncating) path for writing results; "-" means stdout.
func CreateJSONLinesFile(path string) (*JSONLinesSink, error) {
	if path == "" || path == "-" {
		return NewJSONLinesSink(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create results file: %w", err)
	}
	s := NewJSONLinesSink(f)
	s.closer = f
	return s, nil
}

// Emit encodes and flushes one result so a crash never loses acknowledged frames.
func (s *JSONLinesSink) Emit(_ context.Context, fr *types.FrameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(fr); err != nil {
		return fmt.Errorf("%w: %v", types.ErrWrite, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrWrite, err)
	}
	return nil
}

// Close flushes and closes the underlying file if the sink opened it.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
