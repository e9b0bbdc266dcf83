// Package pipeline wires capture, buffering, detection, assembly, and
// export into per-recording sessions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipd/internal/capture"
	"github.com/clipforge/clipd/internal/catalog"
	"github.com/clipforge/clipd/internal/chunkstore"
	"github.com/clipforge/clipd/internal/clips"
	"github.com/clipforge/clipd/internal/config"
	"github.com/clipforge/clipd/internal/detect"
	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/export"
	"github.com/clipforge/clipd/internal/media"
	"github.com/clipforge/clipd/internal/recorder"
	"github.com/clipforge/clipd/internal/syncx"
	"github.com/clipforge/clipd/internal/trace"
	"github.com/clipforge/clipd/internal/transcript"
)

// Event types broadcast to API clients.
const (
	EventChunkReady   = "CHUNK_READY"
	EventClipDetected = "CLIP_DETECTED"
	EventStatusUpdate = "STATUS_UPDATE"
	EventError        = "ERROR"
)

// Event is a pipeline notification.
type Event struct {
	Type        string    `json:"type"`
	RecordingID string    `json:"recordingId"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SourceFactory builds the capture source for a new recording.
type SourceFactory func(cfg *config.Config) (capture.Source, error)

// session is one live recording's workers and accumulated detections.
type session struct {
	rec      *media.Recording
	recorder *recorder.Recorder

	wg         sync.WaitGroup // in-flight detection passes
	mu         sync.Mutex     // serializes the per-recording detection pass
	detections []media.AIDetection

	// consecutive low-activity span, reset by any active chunk
	quietFor      time.Duration
	quietNotified bool
}

// Manager owns all live sessions and the shared pipeline components.
type Manager struct {
	cfg         *config.Config
	store       *chunkstore.Store
	transcripts *transcript.Store
	detector    *detect.Detector
	fuser       *detect.Fuser
	assembler   *clips.Assembler
	planner     *export.Planner
	uploader    *export.Uploader // nil disables uploads
	catalog     *catalog.Catalog
	newSource   SourceFactory

	sessions *syncx.RWGuard[map[string]*session]
	events   chan Event

	// Sessions outlive the requests that start them; baseCtx bounds them to
	// the manager's lifetime instead.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewManager wires the pipeline. classifier and uploader may be nil for
// degraded operation.
func NewManager(
	cfg *config.Config,
	store *chunkstore.Store,
	transcripts *transcript.Store,
	classifier detect.Classifier,
	uploader *export.Uploader,
	cat *catalog.Catalog,
	newSource SourceFactory,
) *Manager {
	detector := detect.New(detect.Config{
		SilenceThresholdDB:  cfg.SilenceThresholdDB,
		MotionThreshold:     cfg.MotionThreshold,
		Keywords:            cfg.ExcitementKeywords,
		AudioWeight:         cfg.AudioWeight,
		MotionWeight:        cfg.MotionWeight,
		KeywordWeight:       cfg.KeywordWeight,
		ActivationThreshold: cfg.ActivationThreshold,
	})
	fuser := detect.NewFuser(classifier, transcripts, detect.FuserConfig{
		ContextPadding:      cfg.ContextPadding,
		Timeout:             cfg.AITimeout,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ActivationThreshold: cfg.ActivationThreshold,
	})
	assembler := clips.New(clips.Config{
		Padding:     cfg.ClipPadding,
		GapMerge:    cfg.GapMerge,
		MinDuration: cfg.MinClipDuration,
		MaxDuration: cfg.MaxClipDuration,
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		store:       store,
		transcripts: transcripts,
		detector:    detector,
		fuser:       fuser,
		assembler:   assembler,
		planner:     export.NewPlanner(),
		uploader:    uploader,
		catalog:     cat,
		newSource:   newSource,
		sessions:    syncx.NewGuard(make(map[string]*session)),
		events:      make(chan Event, eventBufferSize),
		baseCtx:     baseCtx,
		cancelBase:  cancelBase,
	}
}

// Events returns the notification channel.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(event Event) {
	event.Timestamp = time.Now()
	select {
	case m.events <- event:
	default:
		slog.Debug("event channel full, dropping event", "type", event.Type)
	}
}

// StartRecording creates a session and begins capture.
func (m *Manager) StartRecording(ctx context.Context, userID, sourceURL string) (*media.Recording, error) {
	rec, err := media.NewRecording(userID, sourceURL)
	if err != nil {
		return nil, err
	}
	src, err := m.newSource(m.cfg)
	if err != nil {
		return nil, err
	}

	// The capture loop and detection passes must not die with the caller's
	// request context; only Stop and manager shutdown end a session.
	sessCtx := m.baseCtx
	sess := &session{rec: rec}
	sess.recorder = recorder.New(rec, src, m.store, recorder.Config{
		Cadence:       m.cfg.ChunkCadence,
		MaxChunkBytes: m.cfg.MaxChunkBytes,
		SampleRate:    m.cfg.SampleRate,
	}, func(chunk *media.StreamChunk) {
		// Classification can take seconds; keep it off the capture
		// goroutine so the producer's cadence is never blocked.
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			m.handleChunk(sessCtx, sess, chunk)
		}()
	})

	if err := sess.recorder.Start(sessCtx); err != nil {
		m.emit(Event{Type: EventError, RecordingID: rec.ID, Payload: errors.CodeOf(err)})
		return nil, err
	}

	m.sessions.Write(func(s *map[string]*session) {
		(*s)[rec.ID] = sess
	})
	m.emit(Event{Type: EventStatusUpdate, RecordingID: rec.ID, Payload: rec.Status})
	return rec, nil
}

// handleChunk runs the detection pass for one finalized chunk, off the
// capture goroutine. Passes for the same recording are serialized; the
// chunk stays pinned throughout.
func (m *Manager) handleChunk(ctx context.Context, sess *session, chunk *media.StreamChunk) {
	ctx, span := trace.StartSpan(ctx, "chunk_detection")
	span.SetAttr("chunk_index", chunk.ChunkIndex)
	defer func() {
		span.End()
		trace.Logger(ctx).Debug("detection pass finished", "span", span)
	}()

	m.emit(Event{Type: EventChunkReady, RecordingID: chunk.RecordingID, Payload: chunk.ChunkIndex})

	if m.catalog != nil {
		if err := m.catalog.SaveChunkMeta(ctx, chunk); err != nil {
			slog.Warn("failed to persist chunk metadata", "chunk_id", chunk.ID, "error", err)
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	pin, err := m.store.Pin(chunk.RecordingID, chunk.Timestamp, chunk.End())
	if err != nil {
		slog.Warn("skipping detection on unpinnable chunk",
			"recording_id", chunk.RecordingID, "chunk_index", chunk.ChunkIndex, "error", err)
		return
	}
	defer pin.Release()

	text := m.transcripts.Text(chunk.RecordingID, chunk.Timestamp, chunk.End())
	chunk.Meta.LowActivity = m.detector.LowActivity(chunk, text)
	m.trackInactivity(sess, chunk)

	cand, ok := m.detector.Detect(chunk, text)
	if !ok {
		return
	}
	det, keep := m.fuser.Fuse(ctx, cand)
	if !keep {
		return
	}
	sess.detections = append(sess.detections, det)
	slog.Info("highlight detected", "recording_id", chunk.RecordingID,
		"chunk_index", chunk.ChunkIndex, "type", det.Type, "confidence", det.Confidence)
}

// trackInactivity notifies clients once when a recording has produced only
// low-activity chunks for the configured span. Caller holds sess.mu.
func (m *Manager) trackInactivity(sess *session, chunk *media.StreamChunk) {
	if !chunk.Meta.LowActivity {
		sess.quietFor = 0
		sess.quietNotified = false
		return
	}
	sess.quietFor += chunk.Duration
	if sess.quietNotified || sess.quietFor < m.cfg.InactiveDuration {
		return
	}
	sess.quietNotified = true
	slog.Info("recording has gone quiet",
		"recording_id", chunk.RecordingID, "quiet_for", sess.quietFor)
	m.emit(Event{Type: EventStatusUpdate, RecordingID: chunk.RecordingID, Payload: "low_activity"})
}

// StopRecording finishes capture, assembles clips, and persists them.
func (m *Manager) StopRecording(ctx context.Context, recordingID string) ([]media.Clip, error) {
	sess, err := m.session(recordingID)
	if err != nil {
		return nil, err
	}
	if err := sess.recorder.Stop(ctx); err != nil {
		m.emit(Event{Type: EventError, RecordingID: recordingID, Payload: errors.CodeOf(err)})
		return nil, err
	}
	m.emit(Event{Type: EventStatusUpdate, RecordingID: recordingID, Payload: sess.rec.Status})

	// The final flush may still have a detection pass in flight.
	sess.wg.Wait()

	sess.mu.Lock()
	dets := append([]media.AIDetection(nil), sess.detections...)
	sess.mu.Unlock()

	total := sess.recorder.Elapsed()
	assembled := m.assembler.Assemble(recordingID, sess.rec.UserID, total, dets)
	for i := range assembled {
		clip := &assembled[i]
		clip.Transcript = m.transcripts.Text(recordingID, clip.Start, clip.End)
		if m.catalog != nil {
			if err := m.catalog.SaveClip(ctx, clip); err != nil {
				slog.Warn("failed to persist clip", "clip_id", clip.ID, "error", err)
			}
		}
		m.emit(Event{Type: EventClipDetected, RecordingID: recordingID, Payload: clip})
	}

	m.sessions.Write(func(s *map[string]*session) {
		delete(*s, recordingID)
	})
	return assembled, nil
}

// PauseRecording suspends capture without losing finalized chunks.
func (m *Manager) PauseRecording(ctx context.Context, recordingID string) error {
	sess, err := m.session(recordingID)
	if err != nil {
		return err
	}
	if err := sess.recorder.Pause(ctx); err != nil {
		return err
	}
	m.emit(Event{Type: EventStatusUpdate, RecordingID: recordingID, Payload: sess.rec.Status})
	return nil
}

// ResumeRecording continues a paused recording.
func (m *Manager) ResumeRecording(recordingID string) error {
	sess, err := m.session(recordingID)
	if err != nil {
		return err
	}
	if err := sess.recorder.Resume(); err != nil {
		return err
	}
	m.emit(Event{Type: EventStatusUpdate, RecordingID: recordingID, Payload: sess.rec.Status})
	return nil
}

// Recording returns a live session's recording.
func (m *Manager) Recording(recordingID string) (*media.Recording, error) {
	sess, err := m.session(recordingID)
	if err != nil {
		return nil, err
	}
	return sess.rec, nil
}

// AddTranscript ingests collaborator transcript segments.
func (m *Manager) AddTranscript(ctx context.Context, recordingID string, segs ...media.TranscriptSegment) error {
	m.transcripts.Add(recordingID, segs...)
	for _, seg := range segs {
		m.transcripts.Emit(transcript.Event{RecordingID: recordingID, Segment: seg})
	}
	if m.catalog != nil {
		return m.catalog.SaveTranscript(ctx, recordingID, segs...)
	}
	return nil
}

// ExportClip plans a rendition and, when storage is configured, uploads the
// clip payload and records its URL.
func (m *Manager) ExportClip(ctx context.Context, clipID string, settings media.ExportSettings) (*export.Plan, error) {
	if m.catalog == nil {
		return nil, errors.New(errors.CodeInternal, "no catalog configured")
	}
	clip, err := m.catalog.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	plan, err := m.planner.Plan(clip, settings)
	if err != nil {
		return nil, err
	}
	if m.uploader == nil {
		return plan, nil
	}

	pin, err := m.store.Pin(clip.RecordingID, plan.TrimStart, plan.TrimEnd)
	if err != nil {
		return nil, err
	}
	defer pin.Release()

	chunks, err := m.store.Get(clip.RecordingID, plan.TrimStart, plan.TrimEnd)
	if err != nil {
		return nil, err
	}
	var payload []byte
	for _, c := range chunks {
		payload = append(payload, c.Audio...)
	}
	if len(payload) == 0 {
		return nil, errors.Newf(errors.CodeStorageEvictedRange,
			"no retained payload for clip %s", clipID)
	}

	key := fmt.Sprintf("%s/%s.%s", clip.RecordingID, clipID, plan.Format)
	url, err := m.uploader.Upload(ctx, key, payload, "application/octet-stream")
	if err != nil {
		m.emit(Event{Type: EventError, RecordingID: clip.RecordingID, Payload: errors.CodeOf(err)})
		return nil, err
	}
	clip.VideoURL = url
	if err := m.catalog.SaveClip(ctx, clip); err != nil {
		return nil, err
	}
	return plan, nil
}

// Close stops every live session. Finalized chunks and confirmed clips are
// kept.
func (m *Manager) Close(ctx context.Context) {
	var ids []string
	m.sessions.Write(func(s *map[string]*session) {
		for id := range *s {
			ids = append(ids, id)
		}
	})
	for _, id := range ids {
		if _, err := m.StopRecording(ctx, id); err != nil {
			slog.Warn("failed to stop recording during shutdown", "recording_id", id, "error", err)
		}
	}
	m.cancelBase()
}

func (m *Manager) session(recordingID string) (*session, error) {
	v := m.sessions.Read(func(s map[string]*session) any {
		return s[recordingID]
	})
	sess, _ := v.(*session)
	if sess == nil {
		return nil, errors.Newf(errors.CodeNotFound, "no live recording %s", recordingID)
	}
	return sess, nil
}
