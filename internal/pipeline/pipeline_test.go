package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/oculus/internal/crypt"
	"github.com/andresmejia3/oculus/internal/decoder"
	"github.com/andresmejia3/oculus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	frames int
	failAt int // -1 never
}

func (p *fakeProducer) Decode(ctx context.Context, path string, onFrame decoder.FrameFunc) (int, error) {
	for i := 0; i < p.frames; i++ {
		if i == p.failAt {
			return i, fmt.Errorf("%w: corrupt frame", types.ErrDecode)
		}
		if err := onFrame(i, []byte{byte(i)}); err != nil {
			return i, err
		}
	}
	if p.frames == 0 {
		return 0, types.ErrEmptyInput
	}
	return p.frames, nil
}

type fakeDetector struct {
	dets    []types.Detection
	err     error
	calls   int
	indices []int
}

func (d *fakeDetector) Detect(ctx context.Context, index int, frame []byte, th types.Thresholds) ([]types.Detection, error) {
	d.calls++
	d.indices = append(d.indices, index)
	return d.dets, d.err
}

type collectSink struct{ results []*types.FrameResult }

func (s *collectSink) Emit(_ context.Context, fr *types.FrameResult) error {
	s.results = append(s.results, fr)
	return nil
}

func TestRunEmitsEveryFrameInOrder(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{
		{Label: "person", Confidence: 0.92},
		{Label: "dog", Confidence: 0.05},
	}}
	r := &Runner{Producer: &fakeProducer{frames: 5, failAt: -1}, Detector: det, Thresholds: types.DefaultThresholds()}
	sink := &collectSink{}

	sum, err := r.Run(context.Background(), "video.mp4", sink)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Frames)
	assert.Equal(t, 5, sum.Detections)
	require.Len(t, sink.results, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, det.indices)
	for i, fr := range sink.results {
		assert.Equal(t, i, fr.Index)
		assert.Equal(t, []types.Label{{Name: "person", Confidence: 0.92}}, fr.Labels)
	}
}

func TestRunDecodeFailureKeepsEarlierFrames(t *testing.T) {
	r := &Runner{Producer: &fakeProducer{frames: 10, failAt: 5}, Detector: &fakeDetector{}, Thresholds: types.DefaultThresholds()}
	sink := &collectSink{}

	sum, err := r.Run(context.Background(), "video.mp4", sink)
	assert.ErrorIs(t, err, types.ErrDecode)
	assert.Equal(t, 5, sum.Frames)
	assert.Len(t, sink.results, 5)
}

func TestRunDetectorFailure(t *testing.T) {
	det := &fakeDetector{err: errors.New("worker crashed")}
	r := &Runner{Producer: &fakeProducer{frames: 3, failAt: -1}, Detector: det, Thresholds: types.DefaultThresholds()}

	_, err := r.Run(context.Background(), "video.mp4", &collectSink{})
	assert.ErrorIs(t, err, types.ErrDetect)
	assert.Equal(t, 1, det.calls)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	det := &fakeDetector{}
	r := &Runner{Producer: &fakeProducer{frames: 3, failAt: -1}, Detector: det, Thresholds: types.DefaultThresholds()}

	_, err := r.Run(ctx, "video.mp4", &collectSink{})
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Zero(t, det.calls)
}

func TestRunSinkFailureStops(t *testing.T) {
	emitted := 0
	sink := SinkFunc(func(_ context.Context, fr *types.FrameResult) error {
		if fr.Index == 2 {
			return fmt.Errorf("%w: peer gone", types.ErrWrite)
		}
		emitted++
		return nil
	})
	r := &Runner{Producer: &fakeProducer{frames: 10, failAt: -1}, Detector: &fakeDetector{}, Thresholds: types.DefaultThresholds()}

	_, err := r.Run(context.Background(), "video.mp4", sink)
	assert.ErrorIs(t, err, types.ErrWrite)
	assert.Equal(t, 2, emitted)
}

func TestRunEmptyInput(t *testing.T) {
	r := &Runner{Producer: &fakeProducer{frames: 0, failAt: -1}, Detector: &fakeDetector{}, Thresholds: types.DefaultThresholds()}
	sink := &collectSink{}

	sum, err := r.Run(context.Background(), "video.mp4", sink)
	assert.ErrorIs(t, err, types.ErrEmptyInput)
	assert.Zero(t, sum.Frames)
	assert.Empty(t, sink.results)
}

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLinesSink(&buf)
	require.NoError(t, sink.Emit(context.Background(), &types.FrameResult{Index: 0, Labels: []types.Label{}}))
	require.NoError(t, sink.Emit(context.Background(), &types.FrameResult{Index: 1, Labels: []types.Label{{Name: "car", Confidence: 0.5}}}))
	require.NoError(t, sink.Close())

	sc := bufio.NewScanner(&buf)
	var got []types.FrameResult
	for sc.Scan() {
		var fr types.FrameResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &fr))
		got = append(got, fr)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, "car", got[1].Labels[0].Name)
}

type fakeFetcher struct {
	payload []byte
	err     error
	bucket  string
	key     string
}

func (f *fakeFetcher) FetchObject(_ context.Context, bucket, key, dest string) error {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, f.payload, 0644)
}

func TestPreparePlainLocal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), []byte("video"), 0644))
	p := &SourcePreparer{Root: root}

	path, err := p.Prepare(context.Background(), &types.DetectRequest{Source: "clip.mp4"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "clip.mp4"), path)
}

func TestPrepareRejectsEscapingPath(t *testing.T) {
	p := &SourcePreparer{Root: t.TempDir()}
	_, err := p.Prepare(context.Background(), &types.DetectRequest{Source: "../../etc/passwd"}, t.TempDir())
	assert.ErrorIs(t, err, types.ErrSetup)
}

func TestPrepareMissingSource(t *testing.T) {
	p := &SourcePreparer{}
	_, err := p.Prepare(context.Background(), &types.DetectRequest{Source: filepath.Join(t.TempDir(), "missing.mp4")}, t.TempDir())
	assert.ErrorIs(t, err, types.ErrSetup)
}

func TestPrepareEncryptedObject(t *testing.T) {
	dir := t.TempDir()
	plain := []byte("plaintext video bytes")
	src := filepath.Join(dir, "plain.mp4")
	enc := filepath.Join(dir, "enc.mp4")
	keyPath := filepath.Join(dir, "video.key")
	ivPath := filepath.Join(dir, "video.iv")
	require.NoError(t, os.WriteFile(src, plain, 0644))
	_, err := crypt.Encrypt(src, enc, keyPath, ivPath)
	require.NoError(t, err)
	ciphertext, err := os.ReadFile(enc)
	require.NoError(t, err)

	fetcher := &fakeFetcher{payload: ciphertext}
	p := &SourcePreparer{Fetcher: fetcher}
	work := t.TempDir()

	path, err := p.Prepare(context.Background(), &types.DetectRequest{
		Source:  "s3://videos/cams/enc.mp4",
		KeyPath: keyPath,
		IVPath:  ivPath,
	}, work)
	require.NoError(t, err)
	assert.Equal(t, "videos", fetcher.bucket)
	assert.Equal(t, "cams/enc.mp4", fetcher.key)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestPrepareObjectWithoutFetcher(t *testing.T) {
	p := &SourcePreparer{}
	_, err := p.Prepare(context.Background(), &types.DetectRequest{Source: "s3://videos/a.mp4"}, t.TempDir())
	assert.ErrorIs(t, err, types.ErrSetup)
}

func TestPrepareEncryptedNeedsBothFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), []byte("x"), 0644))
	p := &SourcePreparer{Root: root}
	_, err := p.Prepare(context.Background(), &types.DetectRequest{Source: "clip.mp4", KeyPath: "k.bin"}, t.TempDir())
	assert.ErrorIs(t, err, types.ErrSetup)
}

func TestParseObjectURI(t *testing.T) {
	b, k, ok := ParseObjectURI("s3://bucket/a/b.mp4")
	assert.True(t, ok)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "a/b.mp4", k)

	for _, bad := range []string{"bucket/a.mp4", "s3://bucket", "s3:///key", "s3://bucket/"} {
		_, _, ok := ParseObjectURI(bad)
		assert.False(t, ok, bad)
	}
}
