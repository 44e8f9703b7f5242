// Package pipeline is the decode-and-detect loop shared by every way of running oculus:
// the local CLI run writes results to a file or stdout, a streaming session writes
// them to a network client. Only the Sink differs.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/oculus/internal/decoder"
	"github.com/andresmejia3/oculus/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// FrameProducer decodes a video and calls onFrame once per frame, in order, on the calling goroutine.
type FrameProducer interface {
	Decode(ctx context.Context, path string, onFrame decoder.FrameFunc) (int, error)
}

// Detector runs the detection model over one encoded frame. index is the frame's
// position in the decode order.
type Detector interface {
	Detect(ctx context.Context, index int, frame []byte, th types.Thresholds) ([]types.Detection, error)
}

// Sink receives every FrameResult. Emit must not return before the result is
// delivered; the producer does not advance until it does.
type Sink interface {
	Emit(ctx context.Context, fr *types.FrameResult) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, fr *types.FrameResult) error

func (f SinkFunc) Emit(ctx context.Context, fr *types.FrameResult) error { return f(ctx, fr) }

// Summary describes a finished run.
type Summary struct {
	Frames     int
	Detections int
	Elapsed    time.Duration
}

// Runner wires a producer, a detector and a sink together.
type Runner struct {
	Producer   FrameProducer
	Detector   Detector
	Thresholds types.Thresholds
	// OnFrame, when set, observes every emitted result (progress bars, metrics).
	OnFrame func(fr *types.FrameResult, detect time.Duration)
}

// Run decodes path and pushes one FrameResult per frame into sink.
// The returned error is classified with the types error taxonomy.
func (r *Runner) Run(ctx context.Context, path string, sink Sink) (Summary, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "Runner.Run")
	defer span.End()

	start := time.Now()
	var sum Summary

	frames, err := r.Producer.Decode(ctx, path, func(index int, frame []byte) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w before frame %d: %v", types.ErrCancelled, index, err)
		}

		detectStart := time.Now()
		dets, err := r.Detector.Detect(ctx, index, frame, r.Thresholds)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w at frame %d: %v", types.ErrCancelled, index, ctx.Err())
			}
			return fmt.Errorf("%w at frame %d: %v", types.ErrDetect, index, err)
		}
		fr := types.NewFrameResult(index, dets, r.Thresholds.Class)
		detectTime := time.Since(detectStart)

		if err := sink.Emit(ctx, fr); err != nil {
			return fmt.Errorf("frame %d: %w", index, err)
		}
		sum.Detections += len(fr.Labels)
		if r.OnFrame != nil {
			r.OnFrame(fr, detectTime)
		}
		return nil
	})

	sum.Frames = frames
	sum.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("pipeline.frames", sum.Frames),
		attribute.Int("pipeline.detections", sum.Detections),
	)
	if err != nil {
		span.RecordError(err)
	}
	return sum, err
}
