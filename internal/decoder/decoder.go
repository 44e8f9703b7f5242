// Package decoder turns a video file into a strictly ordered sequence of JPEG frames.
//
// Decoding is delegated to FFmpeg, which writes MJPEG frames to its stdout; the
// decoder cuts the byte stream at JPEG markers and hands each frame to a callback
// on the calling goroutine. The next frame is not read before the callback returns,
// which is how consumers apply back-pressure to the decoder.
package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/andresmejia3/oculus/internal/utils"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// FrameFunc receives one decoded frame. The frame slice is only valid during the call.
type FrameFunc func(index int, frame []byte) error

// CommandFunc builds the process whose stdout carries the concatenated JPEG frames.
type CommandFunc func(ctx context.Context, path string) *utils.SafeCommand

// Decoder is the FFmpeg-backed frame producer.
type Decoder struct {
	command CommandFunc
	maxSize int
	logger  *zap.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithCommand replaces the FFmpeg invocation.
func WithCommand(fn CommandFunc) Option {
	return func(d *Decoder) { d.command = fn }
}

// WithMaxFrameSize bounds a single encoded frame.
func WithMaxFrameSize(n int) Option {
	return func(d *Decoder) { d.maxSize = n }
}

// New returns a decoder running the given ffmpeg binary.
func New(ffmpegBin string, logger *zap.Logger, opts ...Option) *Decoder {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	d := &Decoder{
		command: func(ctx context.Context, path string) *utils.SafeCommand {
			return utils.NewFFmpegCmd(ctx, ffmpegBin, path)
		},
		maxSize: 64 * megabyte,
		logger:  logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Decode runs the decoder over path and calls onFrame for every frame, in order,
// starting at index 0. It returns the number of frames delivered.
//
// A callback error stops decoding and is returned as is. A decoder failure is
// reported as types.ErrDecode, and a clean run that produced no frame as
// types.ErrEmptyInput.
func (d *Decoder) Decode(ctx context.Context, path string, onFrame FrameFunc) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := d.command(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: stdout pipe: %v", types.ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: start %s: %v", types.ErrDecode, cmd.Path, err)
	}

	frames, loopErr := d.scan(out, onFrame)
	if loopErr != nil {
		// Stop FFmpeg before reaping it, it may still be blocked writing to the pipe
		cancel()
		io.Copy(io.Discard, out)
		cmd.Wait()
		return frames, loopErr
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return frames, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
		return frames, fmt.Errorf("%w after %d frames: %v: %s", types.ErrDecode, frames, err, strings.TrimSpace(cmd.Stderr.String()))
	}

	if frames == 0 {
		d.logger.Warn("decoder produced no frames", zap.String("path", path))
		return 0, fmt.Errorf("%s: %w", path, types.ErrEmptyInput)
	}
	return frames, nil
}

func (d *Decoder) scan(r io.Reader, onFrame FrameFunc) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), d.maxSize)
	scanner.Split(utils.SplitJpeg)

	frames := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(raw) {
			buf = make([]byte, len(raw))
		}
		buf = buf[:len(raw)]
		copy(buf, raw)

		err := onFrame(frames, buf)
		frameBufferPool.Put(buf[:0])
		if err != nil {
			return frames, err
		}
		frames++
	}

	// Token too long or a read failure on the pipe
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return frames, fmt.Errorf("%w: frame scanner: %v", types.ErrDecode, err)
	}
	return frames, nil
}
