package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/andresmejia3/oculus/internal/utils"
)

// Response status bytes written by the detector process.
const (
	statusOK    byte = 0
	statusError byte = 1
)

const (
	// index + three thresholds
	requestHeaderSize = 16
	closeGrace        = 2 * time.Second
)

// Worker speaks to one detector process.
// Requests go to its stdin, responses come back on a dedicated pipe (FD 3) so that
// anything the model prints on stdout never corrupts the protocol.
type Worker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// StartWorker spawns a detector process.
func StartWorker(ctx context.Context, id int, argv []string, readTimeout time.Duration) (*Worker, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty detector command")
	}
	proc := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Side-channel pipe for clean data transfer, seen as FD 3 by the child
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}
	// A killed child's descendants may still hold stderr open
	proc.Cmd.WaitDelay = closeGrace

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &Worker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: readTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
// Protocol: [Length uint32 BE][Data]
//
// The exchange is abandoned when ReadTimeout expires or ctx is done. The process
// is then out of step with the protocol and must be killed.
func (w *Worker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.roundTrip(data)
		done <- result{body, err}
	}()

	var timeout <-chan time.Time
	if w.ReadTimeout > 0 {
		timer := time.NewTimer(w.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	// The round trip goroutine unblocks once Kill tears the pipes down
	select {
	case res := <-done:
		return res.body, res.err
	case <-timeout:
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, w.ReadTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("worker %d abandoned: %w", w.ID, ctx.Err())
	}
}

func (w *Worker) roundTrip(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return readFrame(w.DataPipe)
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err := io.ReadFull(r, body)
	return body, err
}

// ProcessFrame runs detection on one encoded frame. index lets the detector name
// annotated output after the frame.
//
// Request:  [Index u32][Objectness f32][Hier f32][NMS f32][JPEG bytes]
// Response: [Status:0][Count u32] then Count x [Class u32][Confidence f32][Box 4 x f32]
//
//	or [Status:1][MsgLen u32][Msg]
func (w *Worker) ProcessFrame(ctx context.Context, index int, frame []byte, th types.Thresholds) ([]types.Detection, error) {
	req := new(bytes.Buffer)
	req.Grow(requestHeaderSize + len(frame))
	binary.Write(req, binary.BigEndian, uint32(index))
	binary.Write(req, binary.BigEndian, [3]float32{float32(th.Objectness), float32(th.Hier), float32(th.NMS)})
	req.Write(frame)

	resp, err := w.Communicate(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) ([]types.Detection, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("detector worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed detection count: %w", err)
	}
	// 4 (class) + 4 (confidence) + 16 (box) bytes per entry
	if int(count)*24 > r.Len() {
		return nil, fmt.Errorf("detection count %d exceeds payload of %d bytes", count, r.Len())
	}

	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var entry struct {
			Class      uint32
			Confidence float32
			Box        [4]float32
		}
		if err := binary.Read(r, binary.BigEndian, &entry); err != nil {
			return nil, fmt.Errorf("malformed detection %d: %w", i, err)
		}
		d := types.Detection{
			ClassID:    int(entry.Class),
			Confidence: roundConfidence(entry.Confidence),
		}
		for j, v := range entry.Box {
			d.Box[j] = float64(v)
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// float32 -> float64 widening leaks noise digits (0.92 becomes 0.9200000166893005).
func roundConfidence(v float32) float64 {
	return math.Round(float64(v)*1e6) / 1e6
}

// Close asks the process to exit by closing its stdin, and kills it if it is
// still running after closeGrace.
func (w *Worker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd == nil || w.Cmd.Process == nil {
		return
	}

	exited := make(chan struct{})
	go func() {
		w.Cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(closeGrace):
		w.Cmd.Process.Kill()
		<-exited
	}
}

// Kill stops the process immediately and reaps it.
func (w *Worker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
