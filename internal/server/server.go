// Package server provides the HTTP API and WebSocket control channel.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/export"
	"github.com/clipforge/clipd/internal/media"
	"github.com/clipforge/clipd/internal/pipeline"
	"github.com/clipforge/clipd/internal/trace"
)

// Pipeline is the recording control surface the server drives.
type Pipeline interface {
	StartRecording(ctx context.Context, userID, sourceURL string) (*media.Recording, error)
	StopRecording(ctx context.Context, recordingID string) ([]media.Clip, error)
	PauseRecording(ctx context.Context, recordingID string) error
	ResumeRecording(recordingID string) error
	Recording(recordingID string) (*media.Recording, error)
	AddTranscript(ctx context.Context, recordingID string, segs ...media.TranscriptSegment) error
	ExportClip(ctx context.Context, clipID string, settings media.ExportSettings) (*export.Plan, error)
	Events() <-chan pipeline.Event
}

// ClipLister reads persisted clips.
type ClipLister interface {
	ListClips(ctx context.Context, recordingID string) ([]media.Clip, error)
}

// Envelope is the WebSocket message frame shared with clients.
type Envelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	SourceContext json.RawMessage `json:"sourceContext,omitempty"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	pipe       Pipeline
	clips      ClipLister
	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server and starts the event broadcaster.
func New(pipe Pipeline, clips ClipLister) *Server {
	s := &Server{
		pipe:       pipe,
		clips:      clips,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}
	go s.broadcastEvents()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(trace.Middleware)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/recordings", s.handleStartRecording)
		r.Route("/recordings/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRecording)
			r.Post("/stop", s.handleStopRecording)
			r.Post("/pause", s.handlePauseRecording)
			r.Post("/resume", s.handleResumeRecording)
			r.Get("/clips", s.handleListClips)
			r.Post("/transcript", s.handleAddTranscript)
		})
		r.Post("/clips/{id}/export", s.handleExportClip)
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError surfaces the cause code verbatim for client handling.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status = appErr.HTTPStatus()
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

type startRecordingRequest struct {
	UserID    string `json:"userId"`
	SourceURL string `json:"sourceUrl"`
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.CodeValidationFailed, "malformed request body"))
		return
	}
	rec, err := s.pipe.StartRecording(r.Context(), req.UserID, req.SourceURL)
	if err != nil {
		writeError(w, err)
		return
	}
	trace.Logger(r.Context()).Info("recording started", "recording_id", rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipe.Recording(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	clips, err := s.pipe.StopRecording(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if clips == nil {
		clips = []media.Clip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.PauseRecording(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(media.StatusPaused)})
}

func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.ResumeRecording(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(media.StatusRecording)})
}

func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	clips, err := s.clips.ListClips(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if clips == nil {
		clips = []media.Clip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

type transcriptRequest struct {
	Segments []struct {
		Text       string  `json:"text"`
		StartSec   float64 `json:"startSec"`
		EndSec     float64 `json:"endSec"`
		Confidence float64 `json:"confidence"`
	} `json:"segments"`
}

func (s *Server) handleAddTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.CodeValidationFailed, "malformed request body"))
		return
	}
	segs := make([]media.TranscriptSegment, 0, len(req.Segments))
	for _, in := range req.Segments {
		segs = append(segs, media.TranscriptSegment{
			Text:       in.Text,
			Start:      time.Duration(in.StartSec * float64(time.Second)),
			End:        time.Duration(in.EndSec * float64(time.Second)),
			Confidence: in.Confidence,
		})
	}
	if err := s.pipe.AddTranscript(r.Context(), chi.URLParam(r, "id"), segs...); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(segs)})
}

func (s *Server) handleExportClip(w http.ResponseWriter, r *http.Request) {
	var settings media.ExportSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, errors.Wrap(err, errors.CodeValidationFailed, "malformed request body"))
		return
	}
	plan, err := s.pipe.ExportClip(r.Context(), chi.URLParam(r, "id"), settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var env Envelope
		if err := wsjson.Read(baseCtx, conn, &env); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()
		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			s.send(baseCtx, conn, pipeline.EventError, map[string]string{
				"code": "RATE_LIMITED", "message": "rate limit exceeded",
			})
			continue
		}

		// Clients may thread their own trace id through the payload.
		ctx := baseCtx
		if tc, ok := trace.ExtractFromJSON(env.Payload); ok {
			ctx = trace.WithContext(baseCtx, tc)
		}
		s.dispatch(ctx, conn, env)
	}
}

type wsRecordingPayload struct {
	RecordingID string `json:"recordingId"`
	UserID      string `json:"userId"`
	SourceURL   string `json:"sourceUrl"`
}

// dispatch handles one control message. Element-picker messages from older
// clients are tolerated; unknown types are ignored.
func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, env Envelope) {
	log := trace.Logger(ctx)

	var p wsRecordingPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(ctx, conn, errors.Wrap(err, errors.CodeValidationFailed, "malformed payload"))
			return
		}
	}

	switch env.Type {
	case "START_RECORDING":
		rec, err := s.pipe.StartRecording(ctx, p.UserID, p.SourceURL)
		if err != nil {
			s.sendError(ctx, conn, err)
			return
		}
		s.send(ctx, conn, pipeline.EventStatusUpdate, rec)
	case "STOP_RECORDING":
		clips, err := s.pipe.StopRecording(ctx, p.RecordingID)
		if err != nil {
			s.sendError(ctx, conn, err)
			return
		}
		s.send(ctx, conn, "CLIPS_READY", clips)
	case "PAUSE_RECORDING":
		if err := s.pipe.PauseRecording(ctx, p.RecordingID); err != nil {
			s.sendError(ctx, conn, err)
			return
		}
		s.send(ctx, conn, pipeline.EventStatusUpdate, media.StatusPaused)
	case "RESUME_RECORDING":
		if err := s.pipe.ResumeRecording(p.RecordingID); err != nil {
			s.sendError(ctx, conn, err)
			return
		}
		s.send(ctx, conn, pipeline.EventStatusUpdate, media.StatusRecording)
	case "SELECT_ELEMENT", "ELEMENT_SELECTED":
		// Legacy picker flow; acknowledged so old clients don't stall.
		s.send(ctx, conn, "ACK", env.Type)
	default:
		log.Debug("ignoring unknown message type", "type", env.Type)
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal ws payload", "type", msgType, "error", err)
		return
	}
	_ = wsjson.Write(ctx, conn, Envelope{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	s.send(ctx, conn, pipeline.EventError, map[string]string{
		"code":    string(errors.CodeOf(err)),
		"message": err.Error(),
	})
}

// broadcastEvents fans pipeline events out to every connected client.
func (s *Server) broadcastEvents() {
	for evt := range s.pipe.Events() {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		env := Envelope{Type: evt.Type, Payload: payload, Timestamp: evt.Timestamp.UnixMilli()}

		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn) {
				_ = wsjson.Write(context.Background(), c, env)
			}(conn)
		}
		s.mu.RUnlock()
	}
}
