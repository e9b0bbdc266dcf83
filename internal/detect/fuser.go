package detect

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipd/internal/media"
)

// Classifier is the external AI collaborator. Implementations must respect
// the context deadline.
type Classifier interface {
	Classify(ctx context.Context, req media.ClassifyRequest) (media.ClassifyResult, error)
}

// TranscriptSource supplies transcript text for a recording-relative window.
type TranscriptSource interface {
	Text(recordingID string, from, to time.Duration) string
}

// FuserConfig holds the fusion tunables.
type FuserConfig struct {
	ContextPadding      time.Duration // transcript window widening on each side
	Timeout             time.Duration // per-classification deadline
	ConfidenceThreshold float64       // detections below this are dropped
	ActivationThreshold float64
}

// Fuser turns candidates into typed detections by consulting the classifier
// over the candidate's transcript context. A nil classifier yields degraded
// heuristic-only detections.
type Fuser struct {
	classifier  Classifier
	transcripts TranscriptSource
	cfg         FuserConfig
}

// NewFuser creates a fuser. classifier may be nil.
func NewFuser(classifier Classifier, transcripts TranscriptSource, cfg FuserConfig) *Fuser {
	return &Fuser{classifier: classifier, transcripts: transcripts, cfg: cfg}
}

// Fuse classifies one candidate. The second return is false when the fused
// confidence falls below the keep threshold.
func (f *Fuser) Fuse(ctx context.Context, cand Candidate) (media.AIDetection, bool) {
	from := cand.Start - f.cfg.ContextPadding
	if from < 0 {
		from = 0
	}
	window := f.transcripts.Text(cand.RecordingID, from, cand.End+f.cfg.ContextPadding)

	det := media.AIDetection{
		ID:         uuid.NewString(),
		Type:       media.DetectionHighlight,
		Confidence: cand.RawScore,
		Keywords:   cand.Keywords,
		Context:    window,
		Start:      cand.Start,
		End:        cand.End,
	}

	if f.classifier == nil {
		det.Degraded = true
		return det, det.Confidence >= f.cfg.ConfidenceThreshold
	}

	cctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	res, err := f.classifier.Classify(cctx, media.ClassifyRequest{
		Transcript: window,
		TaskHint:   "live stream highlight detection",
	})
	if err != nil {
		slog.Warn("classifier failed, keeping heuristic score",
			"recording_id", cand.RecordingID, "chunk_index", cand.ChunkIndex, "error", err)
		det.Degraded = true
		return det, det.Confidence >= f.cfg.ConfidenceThreshold
	}

	if media.KnownDetectionType(res.Type) {
		det.Type = res.Type
	} else {
		det.Type = media.DetectionCustom
	}
	det.Confidence = f.blend(cand.RawScore, clamp01(res.Confidence))
	det.Keywords = mergeKeywords(cand.Keywords, res.Keywords)
	det.RawResponse = res.Raw
	return det, det.Confidence >= f.cfg.ConfidenceThreshold
}

// blend combines the heuristic and classifier scores. Near the activation
// threshold the classifier is authoritative; well above it the heuristic
// score acts as a floor so stronger raw evidence never lowers confidence.
func (f *Fuser) blend(heuristic, ai float64) float64 {
	if heuristic <= f.cfg.ActivationThreshold+aiTrustBand {
		return ai
	}
	if ai > heuristic {
		return ai
	}
	return heuristic
}

func mergeKeywords(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, kw := range list {
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}
