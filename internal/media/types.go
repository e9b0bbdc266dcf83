// Package media defines the core data model shared across the pipeline.
// All time offsets are recording-relative; wall-clock anchoring lives only
// on Recording.StartTime.
package media

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipd/internal/errors"
)

// RecordingStatus is the recorder state machine state.
type RecordingStatus string

const (
	StatusIdle       RecordingStatus = "idle"
	StatusRecording  RecordingStatus = "recording"
	StatusProcessing RecordingStatus = "processing"
	StatusPaused     RecordingStatus = "paused"
	StatusError      RecordingStatus = "error"
)

// Recording is one active capture session.
type Recording struct {
	ID        string
	UserID    string
	Status    RecordingStatus
	StartTime time.Time
	EndTime   time.Time // zero until finished
	SourceURL string
	Metadata  json.RawMessage // opaque, decoded only where needed
}

// NewRecording validates inputs and creates an idle recording.
func NewRecording(userID, sourceURL string) (*Recording, error) {
	if userID == "" {
		return nil, errors.New(errors.CodeValidationFailed, "recording requires a user id")
	}
	if sourceURL == "" {
		return nil, errors.New(errors.CodeValidationFailed, "recording requires a source url")
	}
	return &Recording{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusIdle,
		StartTime: time.Now(),
		SourceURL: sourceURL,
	}, nil
}

// ChunkMeta carries typed per-chunk metadata.
type ChunkMeta struct {
	SampleRate  int  `json:"sampleRate,omitempty"`
	LowActivity bool `json:"lowActivity,omitempty"`
	FrameCount  int  `json:"frameCount,omitempty"`
}

// StreamChunk is a fixed-cadence slice of captured payload. Immutable once
// finalized; chunk indices are zero-based and strictly contiguous per
// recording.
type StreamChunk struct {
	ID          string
	RecordingID string
	ChunkIndex  int
	Timestamp   time.Duration // offset from recording start
	Duration    time.Duration
	Audio       []byte   // PCM16LE mono
	Video       []byte   // encoded video payload, may be nil
	Frames      [][]byte // sampled JPEG frames for motion scoring
	Meta        ChunkMeta
}

// Validate checks chunk shape at construction time.
func (c *StreamChunk) Validate() error {
	if c.RecordingID == "" {
		return errors.New(errors.CodeValidationFailed, "chunk requires a recording id")
	}
	if c.ChunkIndex < 0 {
		return errors.Newf(errors.CodeValidationFailed, "chunk index %d is negative", c.ChunkIndex)
	}
	if c.Duration <= 0 {
		return errors.Newf(errors.CodeValidationFailed, "chunk duration %s must be positive", c.Duration)
	}
	if len(c.Audio) == 0 && len(c.Video) == 0 && len(c.Frames) == 0 {
		return errors.New(errors.CodeValidationFailed, "chunk has no payload")
	}
	return nil
}

// Size returns the total payload size in bytes.
func (c *StreamChunk) Size() int {
	n := len(c.Audio) + len(c.Video)
	for _, f := range c.Frames {
		n += len(f)
	}
	return n
}

// End returns the recording-relative end offset.
func (c *StreamChunk) End() time.Duration { return c.Timestamp + c.Duration }

// TranscriptSegment is produced by the transcription collaborator. Segments
// are ordered by Start and may span chunk boundaries.
type TranscriptSegment struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64 // 0 when the collaborator reports none
}

// DetectionType classifies what made a moment highlight-worthy.
type DetectionType string

const (
	DetectionHighlight   DetectionType = "highlight"
	DetectionFunnyMoment DetectionType = "funny_moment"
	DetectionEpicPlay    DetectionType = "epic_play"
	DetectionFail        DetectionType = "fail"
	DetectionEmotional   DetectionType = "emotional"
	DetectionTechnical   DetectionType = "technical"
	DetectionTutorial    DetectionType = "tutorial"
	DetectionReaction    DetectionType = "reaction"
	DetectionCustom      DetectionType = "custom"
)

// KnownDetectionType reports whether t is a recognized detection type.
func KnownDetectionType(t DetectionType) bool {
	switch t {
	case DetectionHighlight, DetectionFunnyMoment, DetectionEpicPlay,
		DetectionFail, DetectionEmotional, DetectionTechnical,
		DetectionTutorial, DetectionReaction, DetectionCustom:
		return true
	}
	return false
}

// AIDetection is a scored, typed assertion that a time window is
// highlight-worthy. Ephemeral; consumed by the clip assembler.
type AIDetection struct {
	ID          string
	Type        DetectionType
	Confidence  float64
	Keywords    []string
	Context     string
	RawResponse json.RawMessage
	Start       time.Duration // window from the source chunk range
	End         time.Duration
	Degraded    bool // classification collaborator failed; heuristic-only score
}

// ConfidenceSegment is a contributing sub-window of a clip, kept so the
// export planner can trim on real confidence data.
type ConfidenceSegment struct {
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// Clip is a finalized, bounded time window selected for export.
type Clip struct {
	ID           string
	RecordingID  string
	UserID       string
	Title        string
	Description  string
	Start        time.Duration
	End          time.Duration
	ThumbnailURL string
	VideoURL     string
	Transcript   string
	Confidence   float64
	Tags         []string
	Segments     []ConfidenceSegment
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Duration returns End - Start.
func (c *Clip) Duration() time.Duration { return c.End - c.Start }

// Validate enforces clip invariants at construction time.
func (c *Clip) Validate() error {
	if c.RecordingID == "" || c.UserID == "" {
		return errors.New(errors.CodeValidationFailed, "clip requires recording and user ids")
	}
	if c.Duration() <= 0 {
		return errors.Newf(errors.CodeValidationFailed, "clip duration %s must be positive", c.Duration())
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return errors.Newf(errors.CodeValidationFailed, "clip confidence %f out of range", c.Confidence)
	}
	return nil
}

// Platform is an export target.
type Platform string

const (
	PlatformYouTubeShorts  Platform = "youtube_shorts"
	PlatformTikTok         Platform = "tiktok"
	PlatformTwitter        Platform = "twitter"
	PlatformInstagramReels Platform = "instagram_reels"
	PlatformTwitch         Platform = "twitch"
	PlatformRaw            Platform = "raw"
)

// ExportSettings is immutable per export request.
type ExportSettings struct {
	Platform    Platform      `json:"platform"`
	Resolution  string        `json:"resolution,omitempty"`
	AspectRatio string        `json:"aspectRatio,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	Quality     string        `json:"quality,omitempty"` // low, medium, high
	Watermark   bool          `json:"watermark"`
	Captions    bool          `json:"captions"`
	Format      string        `json:"format,omitempty"`
}

// ClassifyRequest is the external AI collaborator request contract.
type ClassifyRequest struct {
	Transcript string // context window text
	TaskHint   string
}

// ClassifyResult is the external AI collaborator response contract.
type ClassifyResult struct {
	Type       DetectionType
	Confidence float64
	Keywords   []string
	Raw        json.RawMessage
}
