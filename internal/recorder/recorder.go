// Package recorder runs the capture loop for one recording: it slices the
// live sample stream into fixed-cadence chunks and drives the recording
// state machine.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipd/internal/capture"
	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
	"github.com/clipforge/clipd/internal/syncx"
)

// ChunkSink receives finalized chunks. Put may block while the buffer is
// over its size cap.
type ChunkSink interface {
	Put(ctx context.Context, chunk *media.StreamChunk) error
}

// Config holds per-recording capture tunables.
type Config struct {
	Cadence       time.Duration // chunk flush interval
	MaxChunkBytes int           // size-cap flush threshold
	SampleRate    int
}

type state struct {
	Status media.RecordingStatus
	Cause  error // set when the recording ends in the error state
}

var validTransitions = map[media.RecordingStatus][]media.RecordingStatus{
	media.StatusIdle:       {media.StatusRecording},
	media.StatusRecording:  {media.StatusPaused, media.StatusProcessing, media.StatusError},
	media.StatusPaused:     {media.StatusRecording, media.StatusProcessing, media.StatusError},
	media.StatusProcessing: {media.StatusIdle, media.StatusError},
	media.StatusError:      {},
}

// Recorder owns one recording's capture loop. Chunk offsets are relative to
// the recording start and exclude paused time.
type Recorder struct {
	rec     *media.Recording
	src     capture.Source
	sink    ChunkSink
	cfg     Config
	st      *syncx.RWGuard[state]
	onChunk func(*media.StreamChunk)

	mu          sync.Mutex
	audio       []byte
	frames      [][]byte
	chunkIndex  int
	elapsed     time.Duration // sum of finalized chunk durations
	activeAcc   time.Duration // active time accrued in the open chunk
	activeSince time.Time     // zero while paused

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a recorder for rec. onChunk may be nil.
func New(rec *media.Recording, src capture.Source, sink ChunkSink, cfg Config, onChunk func(*media.StreamChunk)) *Recorder {
	return &Recorder{
		rec:     rec,
		src:     src,
		sink:    sink,
		cfg:     cfg,
		st:      syncx.NewGuard(state{Status: media.StatusIdle}),
		onChunk: onChunk,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Status returns the current state machine state.
func (r *Recorder) Status() media.RecordingStatus {
	return r.st.Get().Status
}

// Err returns the cause of the error state, nil otherwise.
func (r *Recorder) Err() error {
	return r.st.Get().Cause
}

// Recording returns the recording this recorder drives.
func (r *Recorder) Recording() *media.Recording { return r.rec }

// Elapsed returns the recording-relative offset the next chunk starts at.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed + r.openDurationLocked()
}

func (r *Recorder) transition(to media.RecordingStatus, cause error) error {
	var err error
	r.st.Write(func(s *state) {
		for _, allowed := range validTransitions[s.Status] {
			if allowed == to {
				s.Status = to
				if cause != nil {
					s.Cause = cause
				}
				return
			}
		}
		err = errors.Newf(errors.CodeValidationFailed,
			"invalid recording transition %s -> %s", s.Status, to)
	})
	return err
}

// Start begins capturing. Fatal capture errors (no source, permission
// denied) move the recorder to the error state; transient source errors
// return it to idle.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.transition(media.StatusRecording, nil); err != nil {
		return err
	}
	if err := r.src.Start(ctx); err != nil {
		if errors.IsFatalCapture(err) {
			r.fail(err)
		} else {
			// Transient source trouble; back to idle so a retry can start.
			r.st.Set(state{Status: media.StatusIdle})
			r.rec.Status = media.StatusIdle
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.mu.Lock()
	r.activeSince = r.now()
	r.mu.Unlock()
	r.rec.Status = media.StatusRecording

	go r.run(runCtx)
	slog.Info("recording started", "recording_id", r.rec.ID)
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-r.src.Output():
			if !ok {
				r.finalize(ctx, errors.New(errors.CodeCaptureStreamEnded, "capture source ended"))
				return
			}
			if r.Status() != media.StatusRecording {
				continue // dropped while paused
			}
			r.mu.Lock()
			r.audio = append(r.audio, s.Audio...)
			if len(s.Frame) > 0 {
				r.frames = append(r.frames, s.Frame)
			}
			full := r.bufferedBytesLocked() >= r.cfg.MaxChunkBytes
			r.mu.Unlock()
			if full {
				if err := r.flush(ctx); err != nil {
					return
				}
			}
		case <-ticker.C:
			if r.Status() != media.StatusRecording {
				continue
			}
			if err := r.flush(ctx); err != nil {
				return
			}
		}
	}
}

func (r *Recorder) bufferedBytesLocked() int {
	n := len(r.audio)
	for _, f := range r.frames {
		n += len(f)
	}
	return n
}

func (r *Recorder) openDurationLocked() time.Duration {
	d := r.activeAcc
	if !r.activeSince.IsZero() {
		d += r.now().Sub(r.activeSince)
	}
	return d
}

// flush finalizes the open chunk and hands it to the sink. A quota error
// from the sink moves the recorder to the error state.
func (r *Recorder) flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.audio) == 0 && len(r.frames) == 0 {
		r.mu.Unlock()
		return nil
	}

	dur := r.openDurationLocked()
	if dur <= 0 {
		dur = time.Millisecond
	}
	chunk := &media.StreamChunk{
		ID:          uuid.NewString(),
		RecordingID: r.rec.ID,
		ChunkIndex:  r.chunkIndex,
		Timestamp:   r.elapsed,
		Duration:    dur,
		Audio:       r.audio,
		Frames:      r.frames,
		Meta: media.ChunkMeta{
			SampleRate: r.cfg.SampleRate,
			FrameCount: len(r.frames),
		},
	}
	r.audio = nil
	r.frames = nil
	r.chunkIndex++
	r.elapsed += dur
	r.activeAcc = 0
	if !r.activeSince.IsZero() {
		r.activeSince = r.now()
	}
	r.mu.Unlock()

	if err := chunk.Validate(); err != nil {
		slog.Warn("dropping malformed chunk", "recording_id", r.rec.ID, "error", err)
		return nil
	}
	if err := r.sink.Put(ctx, chunk); err != nil {
		if errors.IsCode(err, errors.CodeStorageQuotaExceeded) {
			r.fail(err)
			return err
		}
		slog.Warn("chunk rejected by sink", "recording_id", r.rec.ID,
			"chunk_index", chunk.ChunkIndex, "error", err)
		return nil
	}
	if r.onChunk != nil {
		r.onChunk(chunk)
	}
	return nil
}

// Pause flushes the open chunk and suspends capture. Paused time is
// excluded from chunk offsets.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	if !r.activeSince.IsZero() {
		r.activeAcc += r.now().Sub(r.activeSince)
		r.activeSince = time.Time{}
	}
	r.mu.Unlock()

	if err := r.flush(ctx); err != nil {
		return err
	}
	if err := r.transition(media.StatusPaused, nil); err != nil {
		return err
	}
	r.rec.Status = media.StatusPaused
	slog.Info("recording paused", "recording_id", r.rec.ID)
	return nil
}

// Resume continues capture after a pause.
func (r *Recorder) Resume() error {
	if err := r.transition(media.StatusRecording, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.activeSince = r.now()
	r.mu.Unlock()
	r.rec.Status = media.StatusRecording
	slog.Info("recording resumed", "recording_id", r.rec.ID)
	return nil
}

// Stop flushes the final chunk and finishes the recording.
func (r *Recorder) Stop(ctx context.Context) error {
	return r.finalize(ctx, nil)
}

func (r *Recorder) finalize(ctx context.Context, cause error) error {
	var err error
	r.once.Do(func() {
		if terr := r.transition(media.StatusProcessing, cause); terr != nil {
			err = terr
			return
		}
		r.rec.Status = media.StatusProcessing

		r.mu.Lock()
		if !r.activeSince.IsZero() {
			r.activeAcc += r.now().Sub(r.activeSince)
			r.activeSince = time.Time{}
		}
		r.mu.Unlock()

		if ferr := r.flush(ctx); ferr != nil {
			err = ferr
			return
		}
		r.src.Stop()
		if r.cancel != nil {
			r.cancel()
		}

		if cause != nil {
			// The source died underneath us. Finalized data is kept, but
			// the recording ends in the terminal error state.
			if terr := r.transition(media.StatusError, cause); terr != nil {
				err = terr
				return
			}
			r.rec.Status = media.StatusError
			r.rec.EndTime = time.Now()
			slog.Error("recording ended by capture failure", "recording_id", r.rec.ID,
				"chunks", r.chunkIndex, "error", cause)
			return
		}

		if terr := r.transition(media.StatusIdle, nil); terr != nil {
			err = terr
			return
		}
		r.rec.Status = media.StatusIdle
		r.rec.EndTime = time.Now()
		slog.Info("recording finished", "recording_id", r.rec.ID,
			"chunks", r.chunkIndex, "duration", r.elapsed)
	})
	return err
}

// fail moves the recorder to the terminal error state and stops capture.
func (r *Recorder) fail(cause error) {
	r.st.Write(func(s *state) {
		if s.Status == media.StatusError {
			return
		}
		s.Status = media.StatusError
		s.Cause = cause
	})
	r.rec.Status = media.StatusError
	r.src.Stop()
	if r.cancel != nil {
		r.cancel()
	}
	slog.Error("recording failed", "recording_id", r.rec.ID, "error", cause)
}

// Reset returns an errored recorder to idle so a new session can start.
func (r *Recorder) Reset() error {
	var err error
	r.st.Write(func(s *state) {
		if s.Status != media.StatusError {
			err = errors.Newf(errors.CodeValidationFailed,
				"reset requires error state, recorder is %s", s.Status)
			return
		}
		s.Status = media.StatusIdle
		s.Cause = nil
	})
	if err == nil {
		r.rec.Status = media.StatusIdle
	}
	return err
}

// Done closes when the capture loop has exited.
func (r *Recorder) Done() <-chan struct{} { return r.done }
