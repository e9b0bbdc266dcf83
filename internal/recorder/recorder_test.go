package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipd/internal/capture"
	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
)

type fakeSource struct {
	ch       chan capture.Sample
	startErr error
	mu       sync.Mutex
	stopped  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan capture.Sample, 16)}
}

func (f *fakeSource) Start(ctx context.Context) error { return f.startErr }
func (f *fakeSource) Output() <-chan capture.Sample   { return f.ch }

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeSource) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeSink struct {
	mu     sync.Mutex
	chunks []*media.StreamChunk
	err    error
}

func (f *fakeSink) Put(ctx context.Context, c *media.StreamChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, c)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeSink) chunk(i int) *media.StreamChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[i]
}

func testConfig() Config {
	// Cadence far out so tests drive flushes explicitly.
	return Config{Cadence: time.Hour, MaxChunkBytes: 1 << 20, SampleRate: 16000}
}

func newTestRecorder(t *testing.T, src *fakeSource, sink *fakeSink, cfg Config) *Recorder {
	t.Helper()
	rec, err := media.NewRecording("user-1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("NewRecording: %v", err)
	}
	return New(rec, src, sink, cfg, nil)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLifecycleStartStop(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	r := newTestRecorder(t, src, sink, testConfig())

	if r.Status() != media.StatusIdle {
		t.Fatalf("initial status = %s, want idle", r.Status())
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status() != media.StatusRecording {
		t.Errorf("status after Start = %s, want recording", r.Status())
	}

	src.ch <- capture.Sample{Audio: []byte{1, 2, 3, 4}, At: time.Now()}
	time.Sleep(20 * time.Millisecond) // let the loop consume the sample

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Status() != media.StatusIdle {
		t.Errorf("status after Stop = %s, want idle", r.Status())
	}
	if !src.isStopped() {
		t.Error("source not stopped")
	}
	if sink.count() != 1 {
		t.Fatalf("flushed %d chunks, want 1", sink.count())
	}
	c := sink.chunk(0)
	if c.ChunkIndex != 0 || c.Timestamp != 0 {
		t.Errorf("chunk index/offset = %d/%s, want 0/0", c.ChunkIndex, c.Timestamp)
	}
	if len(c.Audio) != 4 {
		t.Errorf("chunk audio = %d bytes, want 4", len(c.Audio))
	}
}

func TestPermissionDeniedEntersErrorState(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New(errors.CodeCapturePermissionDenied, "capture permission denied")
	sink := &fakeSink{}
	r := newTestRecorder(t, src, sink, testConfig())

	err := r.Start(context.Background())
	if !errors.IsCode(err, errors.CodeCapturePermissionDenied) {
		t.Fatalf("Start err = %v, want CAPTURE_PERMISSION_DENIED", err)
	}
	if r.Status() != media.StatusError {
		t.Errorf("status = %s, want error", r.Status())
	}
	if !errors.IsCode(r.Err(), errors.CodeCapturePermissionDenied) {
		t.Errorf("Err() = %v, want the capture cause", r.Err())
	}
	if sink.count() != 0 {
		t.Errorf("sink received %d chunks, want none", sink.count())
	}
	if !src.isStopped() {
		t.Error("source not stopped after failed start")
	}
}

func TestTransientStartErrorReturnsToIdle(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New(errors.CodeInternal, "device briefly busy")
	r := newTestRecorder(t, src, &fakeSink{}, testConfig())

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("Start should surface the source error")
	}
	if r.Status() != media.StatusIdle {
		t.Errorf("status = %s, want idle for a retryable failure", r.Status())
	}

	// A retry can start once the source recovers.
	src.startErr = nil
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopFromIdleRejected(t *testing.T) {
	r := newTestRecorder(t, newFakeSource(), &fakeSink{}, testConfig())
	if err := r.Stop(context.Background()); err == nil {
		t.Error("Stop on idle recorder should fail")
	}
}

func TestSizeCapFlush(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	cfg := testConfig()
	cfg.MaxChunkBytes = 8
	r := newTestRecorder(t, src, sink, cfg)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	src.ch <- capture.Sample{Audio: make([]byte, 16), At: time.Now()}
	waitFor(t, func() bool { return sink.count() == 1 },
		"oversized buffer was not flushed before the cadence tick")
}

func TestPauseFlushesAndDropsSamples(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	r := newTestRecorder(t, src, sink, testConfig())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.ch <- capture.Sample{Audio: []byte{1, 1}, At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if err := r.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if r.Status() != media.StatusPaused {
		t.Fatalf("status after Pause = %s, want paused", r.Status())
	}
	if sink.count() != 1 {
		t.Fatalf("Pause flushed %d chunks, want 1", sink.count())
	}

	// Samples arriving while paused are discarded.
	src.ch <- capture.Sample{Audio: []byte{9, 9, 9, 9}, At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	src.ch <- capture.Sample{Audio: []byte{2, 2}, At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("flushed %d chunks, want 2", sink.count())
	}
	c := sink.chunk(1)
	if c.ChunkIndex != 1 {
		t.Errorf("second chunk index = %d, want 1", c.ChunkIndex)
	}
	if len(c.Audio) != 2 {
		t.Errorf("second chunk audio = %d bytes, want 2 (paused sample kept?)", len(c.Audio))
	}
	if c.Timestamp != sink.chunk(0).Duration {
		t.Errorf("second chunk offset = %s, want %s (contiguous, excluding pause)",
			c.Timestamp, sink.chunk(0).Duration)
	}
}

func TestQuotaErrorEntersErrorState(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{err: errors.New(errors.CodeStorageQuotaExceeded, "buffer full")}
	r := newTestRecorder(t, src, sink, testConfig())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.ch <- capture.Sample{Audio: []byte{1}, At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if err := r.Stop(context.Background()); err == nil {
		t.Fatal("Stop should surface the quota error")
	}
	if r.Status() != media.StatusError {
		t.Fatalf("status = %s, want error", r.Status())
	}
	if !errors.IsCode(r.Err(), errors.CodeStorageQuotaExceeded) {
		t.Errorf("Err() = %v, want quota code", r.Err())
	}

	// Error state is terminal until Reset.
	if err := r.Resume(); err == nil {
		t.Error("Resume from error state should fail")
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if r.Status() != media.StatusIdle {
		t.Errorf("status after Reset = %s, want idle", r.Status())
	}
}

func TestStreamEndEntersErrorState(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	r := newTestRecorder(t, src, sink, testConfig())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.ch <- capture.Sample{Audio: []byte{5, 5}, At: time.Now()}
	time.Sleep(20 * time.Millisecond)
	close(src.ch)

	waitFor(t, func() bool { return r.Status() == media.StatusError },
		"recorder did not enter the error state after the source ended")
	// The in-progress chunk must survive the failure.
	if sink.count() != 1 {
		t.Errorf("flushed %d chunks, want 1", sink.count())
	}
	if !errors.IsCode(r.Err(), errors.CodeCaptureStreamEnded) {
		t.Errorf("Err() = %v, want stream-ended code", r.Err())
	}
	if err := r.Reset(); err != nil {
		t.Errorf("Reset out of the stream-ended error state: %v", err)
	}
}

func TestResetRequiresErrorState(t *testing.T) {
	r := newTestRecorder(t, newFakeSource(), &fakeSink{}, testConfig())
	if err := r.Reset(); err == nil {
		t.Error("Reset on idle recorder should fail")
	}
}
