// Package export plans platform-constrained clip renditions and uploads the
// results to object storage.
package export

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
)

// Spec is the constraint set of one export target.
type Spec struct {
	MaxDuration time.Duration // 0 = unbounded
	Width       int
	Height      int
	AspectRatio string
	Format      string
	VideoCodec  string
	AudioCodec  string
	Bitrate     string
	Passthrough bool // no transcode, no trim
}

var platformSpecs = map[media.Platform]Spec{
	media.PlatformYouTubeShorts: {
		MaxDuration: 60 * time.Second,
		Width:       1080, Height: 1920, AspectRatio: "9:16",
		Format: "mp4", VideoCodec: "libx264", AudioCodec: "aac", Bitrate: "5000k",
	},
	media.PlatformTikTok: {
		MaxDuration: 180 * time.Second,
		Width:       1080, Height: 1920, AspectRatio: "9:16",
		Format: "mp4", VideoCodec: "libx264", AudioCodec: "aac", Bitrate: "5000k",
	},
	media.PlatformInstagramReels: {
		MaxDuration: 90 * time.Second,
		Width:       1080, Height: 1920, AspectRatio: "9:16",
		Format: "mp4", VideoCodec: "libx264", AudioCodec: "aac", Bitrate: "5000k",
	},
	media.PlatformTwitter: {
		MaxDuration: 140 * time.Second,
		Width:       1280, Height: 720, AspectRatio: "16:9",
		Format: "mp4", VideoCodec: "libx264", AudioCodec: "aac", Bitrate: "3000k",
	},
	media.PlatformTwitch: {
		Width: 1920, Height: 1080, AspectRatio: "16:9",
		Format: "mp4", VideoCodec: "libx264", AudioCodec: "aac", Bitrate: "6000k",
	},
	media.PlatformRaw: {Passthrough: true},
}

// qualityPresets trade resolution and bitrate for upload size. Dimensions
// are landscape and flip for portrait platforms.
var qualityPresets = map[string]struct {
	Width, Height int
	Bitrate       string
}{
	"low":    {854, 480, "1000k"},
	"medium": {1280, 720, "2500k"},
	"high":   {1920, 1080, "5000k"},
}

// PlatformSpec returns the constraint spec for a platform.
func PlatformSpec(p media.Platform) (Spec, bool) {
	s, ok := platformSpecs[p]
	return s, ok
}

// Plan is a fully resolved rendition: what to trim, how to fit the frame,
// and the container settings. It is the transcoder's work order.
type Plan struct {
	ClipID    string
	Platform  media.Platform
	TrimStart time.Duration // recording-relative
	TrimEnd   time.Duration
	Trimmed   bool // true when the clip exceeded the duration cap
	Width     int
	Height    int
	FitMode   string // "crop", "pad", or "" for passthrough
	Filter    string // ffmpeg video filter expression
	Watermark bool
	Captions  bool
	Format    string
	Codec     string
	AudioRate string
	Bitrate   string
}

// Planner resolves export settings against platform constraints.
type Planner struct{}

// NewPlanner creates a planner.
func NewPlanner() *Planner { return &Planner{} }

// Plan builds the rendition plan for a clip. Trimming maximizes retained
// confidence mass; overlays force letterboxing so they are never cropped
// away.
func (p *Planner) Plan(clip *media.Clip, settings media.ExportSettings) (*Plan, error) {
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	spec, ok := platformSpecs[settings.Platform]
	if !ok {
		return nil, errors.Newf(errors.CodeValidationFailed, "unknown export platform %q", settings.Platform)
	}

	plan := &Plan{
		ClipID:    clip.ID,
		Platform:  settings.Platform,
		TrimStart: clip.Start,
		TrimEnd:   clip.End,
		Watermark: settings.Watermark,
		Captions:  settings.Captions,
	}
	if spec.Passthrough {
		plan.Format = "mp4"
		plan.Codec = "copy"
		return plan, nil
	}

	maxDur := spec.MaxDuration
	if settings.MaxDuration > 0 && (maxDur == 0 || settings.MaxDuration < maxDur) {
		maxDur = settings.MaxDuration
	}
	if maxDur > 0 && clip.Duration() > maxDur {
		plan.TrimStart, plan.TrimEnd = bestWindow(clip, maxDur)
		plan.Trimmed = true
	}

	width, height := spec.Width, spec.Height
	bitrate := spec.Bitrate
	if settings.Quality != "" {
		preset, ok := qualityPresets[settings.Quality]
		if !ok {
			return nil, errors.Newf(errors.CodeValidationFailed, "unknown quality preset %q", settings.Quality)
		}
		width, height = preset.Width, preset.Height
		if spec.Height > spec.Width {
			width, height = height, width
		}
		bitrate = preset.Bitrate
	}
	if settings.Resolution != "" {
		w, h, err := parseResolution(settings.Resolution)
		if err != nil {
			return nil, err
		}
		width, height = w, h
	}
	plan.Width, plan.Height = width, height

	// Overlays sit at the frame edges, so cropping would cut them off.
	if settings.Watermark || settings.Captions {
		plan.FitMode = "pad"
		plan.Filter = fmt.Sprintf(
			"scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=w=%d:h=%d:x=(ow-iw)/2:y=(oh-ih)/2",
			width, height, width, height)
	} else {
		plan.FitMode = "crop"
		plan.Filter = fmt.Sprintf(
			"scale=w=%d:h=%d:force_original_aspect_ratio=increase,crop=w=%d:h=%d",
			width, height, width, height)
	}

	plan.Format = spec.Format
	if settings.Format != "" {
		plan.Format = settings.Format
	}
	plan.Codec = spec.VideoCodec
	plan.AudioRate = "192k"
	plan.Bitrate = bitrate
	return plan, nil
}

// bestWindow slides a maxDur window over the clip and keeps the anchor that
// retains the most confidence-weighted segment overlap. Ties go to the
// earliest window.
func bestWindow(clip *media.Clip, maxDur time.Duration) (time.Duration, time.Duration) {
	latest := clip.End - maxDur
	if latest <= clip.Start {
		return clip.Start, clip.Start + maxDur
	}

	// Candidate anchors: the clip start plus every segment start and every
	// segment end minus the window, clamped into range.
	anchors := []time.Duration{clip.Start}
	for _, seg := range clip.Segments {
		anchors = append(anchors, clampDur(seg.Start, clip.Start, latest))
		anchors = append(anchors, clampDur(seg.End-maxDur, clip.Start, latest))
	}

	bestStart := clip.Start
	bestScore := -1.0
	for _, start := range anchors {
		score := windowScore(clip.Segments, start, start+maxDur)
		if score > bestScore || (score == bestScore && start < bestStart) {
			bestScore = score
			bestStart = start
		}
	}
	return bestStart, bestStart + maxDur
}

// windowScore sums confidence times seconds of overlap.
func windowScore(segs []media.ConfidenceSegment, from, to time.Duration) float64 {
	var score float64
	for _, seg := range segs {
		start, end := seg.Start, seg.End
		if start < from {
			start = from
		}
		if end > to {
			end = to
		}
		if end > start {
			score += seg.Confidence * (end - start).Seconds()
		}
	}
	return score
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseResolution(s string) (int, int, error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Newf(errors.CodeValidationFailed, "resolution %q must be WxH", s)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, errors.Newf(errors.CodeValidationFailed, "resolution %q must be WxH", s)
	}
	return w, h, nil
}
