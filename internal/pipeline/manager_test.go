package pipeline

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipd/internal/capture"
	"github.com/clipforge/clipd/internal/catalog"
	"github.com/clipforge/clipd/internal/chunkstore"
	"github.com/clipforge/clipd/internal/config"
	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
	"github.com/clipforge/clipd/internal/transcript"
)

type fakeSource struct {
	ch      chan capture.Sample
	mu      sync.Mutex
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan capture.Sample, 16)}
}

func (f *fakeSource) Start(ctx context.Context) error { return nil }
func (f *fakeSource) Output() <-chan capture.Sample   { return f.ch }

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type stubClassifier struct {
	res   media.ClassifyResult
	err   error
	delay time.Duration
}

func (s *stubClassifier) Classify(ctx context.Context, req media.ClassifyRequest) (media.ClassifyResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return media.ClassifyResult{}, ctx.Err()
		}
	}
	if s.err != nil {
		return media.ClassifyResult{}, s.err
	}
	return s.res, nil
}

func testPipelineConfig() *config.Config {
	cfg := config.Load()
	cfg.ChunkCadence = time.Hour // flushes are driven by stop/pause in tests
	cfg.ClipPadding = 0
	cfg.MinClipDuration = time.Millisecond
	cfg.MaxClipDuration = 300 * time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, cls *stubClassifier) (*Manager, *fakeSource) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store := chunkstore.New(chunkstore.Config{})
	transcripts := transcript.NewStore(1000, 64)
	src := newFakeSource()
	factory := func(*config.Config) (capture.Source, error) { return src, nil }

	if cls == nil {
		return NewManager(cfg, store, transcripts, nil, nil, cat, factory), src
	}
	return NewManager(cfg, store, transcripts, cls, nil, cat, factory), src
}

// loudPCM returns PCM16LE audio near full scale.
func loudPCM() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[2:], uint16(int16(32000)))
	return buf
}

func TestStartStopLifecycle(t *testing.T) {
	m, src := newTestManager(t, testPipelineConfig(), nil)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	got, err := m.Recording(rec.ID)
	if err != nil || got.Status != media.StatusRecording {
		t.Fatalf("Recording() = %v, %v, want live recording", got, err)
	}

	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if _, err := m.StopRecording(ctx, rec.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := m.Recording(rec.ID); !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("session still live after stop: %v", err)
	}
}

func TestHighlightFlow(t *testing.T) {
	cls := &stubClassifier{res: media.ClassifyResult{
		Type:       media.DetectionEpicPlay,
		Confidence: 0.9,
		Keywords:   []string{"clutch"},
	}}
	m, src := newTestManager(t, testPipelineConfig(), cls)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.AddTranscript(ctx, rec.ID, media.TranscriptSegment{
		Text: "that was insane wow", Start: 0, End: 10 * time.Second,
	}); err != nil {
		t.Fatalf("AddTranscript: %v", err)
	}

	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	got, err := m.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("assembled %d clips, want 1", len(got))
	}
	clip := got[0]
	if clip.Transcript == "" {
		t.Error("clip transcript not attached")
	}
	if clip.Confidence != 0.9 {
		t.Errorf("clip confidence = %f, want classifier's 0.9", clip.Confidence)
	}

	// Clip is persisted.
	saved, err := m.catalog.GetClip(ctx, clip.ID)
	if err != nil {
		t.Fatalf("GetClip: %v", err)
	}
	if saved.RecordingID != rec.ID {
		t.Errorf("saved clip recording = %s, want %s", saved.RecordingID, rec.ID)
	}

	// CLIP_DETECTED was emitted.
	var sawClip bool
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventClipDetected {
				sawClip = true
			}
			continue
		default:
		}
		break
	}
	if !sawClip {
		t.Error("no CLIP_DETECTED event emitted")
	}
}

// waitForChunk blocks until a CHUNK_READY event for the given chunk index
// arrives.
func waitForChunk(t *testing.T, m *Manager, index int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventChunkReady && ev.Payload == index {
				return
			}
		case <-deadline:
			t.Fatalf("no CHUNK_READY for chunk %d within %s", index, timeout)
		}
	}
}

func TestSessionSurvivesCallerContext(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MaxChunkBytes = 8 // flush on every sample
	m, src := newTestManager(t, cfg, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	rec, err := m.StartRecording(reqCtx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	// The request that started the recording ends; capture must keep going.
	cancel()

	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	waitForChunk(t, m, 0, time.Second)

	got, err := m.Recording(rec.ID)
	if err != nil || got.Status != media.StatusRecording {
		t.Fatalf("Recording() = %v, %v, want still recording after caller context ended", got, err)
	}
	if _, err := m.StopRecording(context.Background(), rec.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestSlowClassifierDoesNotBlockCapture(t *testing.T) {
	cls := &stubClassifier{
		res:   media.ClassifyResult{Type: media.DetectionHighlight, Confidence: 0.9},
		delay: time.Second,
	}
	cfg := testPipelineConfig()
	cfg.MaxChunkBytes = 8 // flush on every sample
	m, src := newTestManager(t, cfg, cls)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// The first chunk's detection pass is sleeping in the classifier; the
	// second chunk must still flush well before that pass finishes.
	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	waitForChunk(t, m, 1, 300*time.Millisecond)

	// Stop waits out the in-flight passes and still assembles their clips.
	got, err := m.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(got) == 0 {
		t.Error("no clips assembled from detections completed after capture ended")
	}
}

func TestQuietChunksProduceNoClips(t *testing.T) {
	m, src := newTestManager(t, testPipelineConfig(), nil)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	src.ch <- capture.Sample{Audio: make([]byte, 8), At: time.Now()} // silence
	time.Sleep(20 * time.Millisecond)

	got, err := m.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("assembled %d clips from silence, want 0", len(got))
	}
}

func TestInactivityNotification(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.InactiveDuration = time.Nanosecond
	m, src := newTestManager(t, cfg, nil)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	src.ch <- capture.Sample{Audio: make([]byte, 8), At: time.Now()} // silence
	time.Sleep(20 * time.Millisecond)

	if _, err := m.StopRecording(ctx, rec.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	var sawQuiet bool
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventStatusUpdate && ev.Payload == "low_activity" {
				sawQuiet = true
			}
			continue
		default:
		}
		break
	}
	if !sawQuiet {
		t.Error("no low-activity status update emitted for a silent recording")
	}
}

func TestPauseResume(t *testing.T) {
	m, src := newTestManager(t, testPipelineConfig(), nil)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	if err := m.PauseRecording(ctx, rec.ID); err != nil {
		t.Fatalf("PauseRecording: %v", err)
	}
	if got, _ := m.Recording(rec.ID); got.Status != media.StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if err := m.ResumeRecording(rec.ID); err != nil {
		t.Fatalf("ResumeRecording: %v", err)
	}
	if got, _ := m.Recording(rec.ID); got.Status != media.StatusRecording {
		t.Errorf("status = %s, want recording", got.Status)
	}
	if _, err := m.StopRecording(ctx, rec.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestExportClipPlansWithoutUploader(t *testing.T) {
	cls := &stubClassifier{res: media.ClassifyResult{Type: media.DetectionHighlight, Confidence: 0.95}}
	m, src := newTestManager(t, testPipelineConfig(), cls)
	ctx := context.Background()

	rec, err := m.StartRecording(ctx, "u1", "https://stream.example/live")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	m.AddTranscript(ctx, rec.ID, media.TranscriptSegment{
		Text: "no way gg", Start: 0, End: 10 * time.Second,
	})
	src.ch <- capture.Sample{Audio: loudPCM(), At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	got, err := m.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("assembled %d clips, want 1", len(got))
	}

	plan, err := m.ExportClip(ctx, got[0].ID, media.ExportSettings{Platform: media.PlatformYouTubeShorts})
	if err != nil {
		t.Fatalf("ExportClip: %v", err)
	}
	if plan.Trimmed {
		t.Error("tiny clip should not be trimmed")
	}
	if plan.Width != 1080 || plan.Height != 1920 {
		t.Errorf("plan resolution = %dx%d, want 1080x1920", plan.Width, plan.Height)
	}
}

func TestExportUnknownClip(t *testing.T) {
	m, _ := newTestManager(t, testPipelineConfig(), nil)
	_, err := m.ExportClip(context.Background(), "missing", media.ExportSettings{Platform: media.PlatformRaw})
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestAddTranscriptPersists(t *testing.T) {
	m, _ := newTestManager(t, testPipelineConfig(), nil)
	ctx := context.Background()

	if err := m.AddTranscript(ctx, "r1", media.TranscriptSegment{
		Text: "hello", Start: 0, End: 2 * time.Second,
	}); err != nil {
		t.Fatalf("AddTranscript: %v", err)
	}
	segs, err := m.catalog.GetTranscript(ctx, "r1")
	if err != nil || len(segs) != 1 {
		t.Fatalf("GetTranscript = %v, %v, want 1 segment", segs, err)
	}
}
