// Package clips turns detections into finalized clips: padding, transitive
// merging, duration bounds, and deterministic ordering.
package clips

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clipforge/clipd/internal/media"
)

// Config holds assembly tunables.
type Config struct {
	Padding     time.Duration // context added on each side of a detection
	GapMerge    time.Duration // windows closer than this merge into one clip
	MinDuration time.Duration // shorter clips are rejected
	MaxDuration time.Duration // longer clips are split
}

// Assembler is stateless; safe for concurrent use.
type Assembler struct {
	cfg Config
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// group is a merged run of detections before finalization. segments, types,
// and keywords are parallel, one entry per contributing detection, so a
// split partitions them together.
type group struct {
	start, end time.Duration
	segments   []media.ConfidenceSegment
	types      []media.DetectionType
	keywords   [][]string
}

// Assemble builds clips from a recording's detections. total bounds padding
// at the recording end; pass 0 when unknown. Output is ordered by start
// offset and independent of input order.
func (a *Assembler) Assemble(recordingID, userID string, total time.Duration, dets []media.AIDetection) []media.Clip {
	if len(dets) == 0 {
		return nil
	}

	windows := make([]media.AIDetection, len(dets))
	copy(windows, dets)
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Start != windows[j].Start {
			return windows[i].Start < windows[j].Start
		}
		return windows[i].End < windows[j].End
	})

	var groups []*group
	for _, det := range windows {
		start := det.Start - a.cfg.Padding
		if start < 0 {
			start = 0
		}
		end := det.End + a.cfg.Padding
		if total > 0 && end > total {
			end = total
		}
		if end <= start {
			continue
		}

		seg := media.ConfidenceSegment{Start: start, End: end, Confidence: det.Confidence}
		last := lastGroup(groups)
		if last != nil && start-last.end < a.cfg.GapMerge {
			if end > last.end {
				last.end = end
			}
			last.segments = append(last.segments, seg)
			last.types = append(last.types, det.Type)
			last.keywords = append(last.keywords, det.Keywords)
			continue
		}
		groups = append(groups, &group{
			start:    start,
			end:      end,
			segments: []media.ConfidenceSegment{seg},
			types:    []media.DetectionType{det.Type},
			keywords: [][]string{det.Keywords},
		})
	}

	var bounded []*group
	for _, g := range groups {
		bounded = append(bounded, a.split(g)...)
	}

	now := time.Now()
	var out []media.Clip
	for _, g := range bounded {
		if g.end-g.start < a.cfg.MinDuration {
			continue
		}
		out = append(out, a.finalize(recordingID, userID, g, now))
	}
	for i := range out {
		out[i].ID = fmt.Sprintf("%s-%03d", recordingID, i)
	}
	return out
}

// split recursively divides an over-long group at its weakest interior
// segment boundary. A single over-long segment is truncated instead.
func (a *Assembler) split(g *group) []*group {
	if a.cfg.MaxDuration <= 0 || g.end-g.start <= a.cfg.MaxDuration {
		return []*group{g}
	}
	if len(g.segments) < 2 {
		g.end = g.start + a.cfg.MaxDuration
		for i := range g.segments {
			if g.segments[i].End > g.end {
				g.segments[i].End = g.end
			}
		}
		return []*group{g}
	}

	// Boundary confidence is the weaker of the two adjacent segments.
	cut := 1
	best := boundaryConfidence(g.segments, 1)
	for i := 2; i < len(g.segments); i++ {
		if c := boundaryConfidence(g.segments, i); c < best {
			best, cut = c, i
		}
	}

	left := &group{
		start:    g.start,
		end:      g.segments[cut-1].End,
		segments: g.segments[:cut],
		types:    g.types[:cut],
		keywords: g.keywords[:cut],
	}
	right := &group{
		start:    g.segments[cut].Start,
		end:      g.end,
		segments: g.segments[cut:],
		types:    g.types[cut:],
		keywords: g.keywords[cut:],
	}
	return append(a.split(left), a.split(right)...)
}

func boundaryConfidence(segs []media.ConfidenceSegment, i int) float64 {
	c := segs[i-1].Confidence
	if segs[i].Confidence < c {
		c = segs[i].Confidence
	}
	return c
}

func (a *Assembler) finalize(recordingID, userID string, g *group, now time.Time) media.Clip {
	var confidence float64
	for _, seg := range g.segments {
		if seg.Confidence > confidence {
			confidence = seg.Confidence
		}
	}

	return media.Clip{
		RecordingID: recordingID,
		UserID:      userID,
		Title:       clipTitle(dominantType(g.types), g.start),
		Start:       g.start,
		End:         g.end,
		Confidence:  confidence,
		Tags:        clipTags(g.types, g.keywords),
		Segments:    g.segments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func lastGroup(groups []*group) *group {
	if len(groups) == 0 {
		return nil
	}
	return groups[len(groups)-1]
}

// dominantType picks the most frequent detection type, earliest wins ties.
func dominantType(types []media.DetectionType) media.DetectionType {
	counts := make(map[media.DetectionType]int, len(types))
	best := media.DetectionHighlight
	bestCount := 0
	for _, t := range types {
		counts[t]++
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}

func clipTitle(t media.DetectionType, at time.Duration) string {
	label := strings.ReplaceAll(string(t), "_", " ")
	if label != "" {
		label = strings.ToUpper(label[:1]) + label[1:]
	}
	return fmt.Sprintf("%s at %s", label, at.Truncate(time.Second))
}

func clipTags(types []media.DetectionType, keywords [][]string) []string {
	seen := make(map[string]bool, len(types))
	var out []string
	for _, t := range types {
		if s := string(t); !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, list := range keywords {
		for _, kw := range list {
			if kw != "" && !seen[kw] {
				seen[kw] = true
				out = append(out, kw)
			}
		}
	}
	return out
}
