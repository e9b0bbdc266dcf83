// Package detect scores chunks for highlight activity and fuses heuristic
// signals with the external classifier.
package detect

import (
	"bytes"
	"encoding/binary"
	"image"
	_ "image/jpeg" // frame payloads are JPEG
	_ "image/png"
	"math"
	"strings"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/clipforge/clipd/internal/media"
)

// Config holds the heuristic scoring tunables.
type Config struct {
	SilenceThresholdDB  float64 // dBFS below which audio counts as silence
	MotionThreshold     float64 // normalized hash distance for "real" motion
	Keywords            []string
	AudioWeight         float64
	MotionWeight        float64
	KeywordWeight       float64
	ActivationThreshold float64 // raw score above which a chunk is a candidate
}

// Signals are the per-heuristic component scores, each in [0, 1].
type Signals struct {
	Audio   float64
	Motion  float64
	Keyword float64
}

// Candidate is a chunk window whose raw score cleared the activation
// threshold. Ephemeral input to the fuser.
type Candidate struct {
	RecordingID string
	ChunkIndex  int
	Start       time.Duration
	End         time.Duration
	RawScore    float64
	Signals     Signals
	Keywords    []string // excitement keywords matched in the transcript
}

// Detector is a stateless heuristic scorer; safe for concurrent use.
type Detector struct {
	cfg Config
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Detect scores a chunk against its transcript text and returns a candidate
// when the weighted score clears the activation threshold.
func (d *Detector) Detect(chunk *media.StreamChunk, transcriptText string) (Candidate, bool) {
	sig, matched := d.score(chunk, transcriptText)
	raw := d.cfg.AudioWeight*sig.Audio +
		d.cfg.MotionWeight*sig.Motion +
		d.cfg.KeywordWeight*sig.Keyword

	cand := Candidate{
		RecordingID: chunk.RecordingID,
		ChunkIndex:  chunk.ChunkIndex,
		Start:       chunk.Timestamp,
		End:         chunk.End(),
		RawScore:    raw,
		Signals:     sig,
		Keywords:    matched,
	}
	return cand, raw > d.cfg.ActivationThreshold
}

// LowActivity reports whether a chunk shows neither speech-level audio nor
// motion nor keyword hits. Used to mark skippable spans.
func (d *Detector) LowActivity(chunk *media.StreamChunk, transcriptText string) bool {
	sig, matched := d.score(chunk, transcriptText)
	return sig.Audio == 0 && sig.Motion < d.cfg.MotionThreshold && len(matched) == 0
}

func (d *Detector) score(chunk *media.StreamChunk, transcriptText string) (Signals, []string) {
	matched := d.matchKeywords(transcriptText)
	return Signals{
		Audio:   d.audioScore(chunk.Audio),
		Motion:  d.motionScore(chunk.Frames),
		Keyword: keywordScore(len(matched)),
	}, matched
}

// audioScore maps peak amplitude to [0, 1]: 0 at or below the silence
// threshold, 1 at full scale.
func (d *Detector) audioScore(pcm []byte) float64 {
	db := peakDBFS(pcm)
	if db <= d.cfg.SilenceThresholdDB {
		return 0
	}
	return clamp01((db - d.cfg.SilenceThresholdDB) / -d.cfg.SilenceThresholdDB)
}

// motionScore averages the perceptual hash distance between consecutive
// frames, normalized so the motion threshold maps to full score.
func (d *Detector) motionScore(frames [][]byte) float64 {
	if len(frames) < 2 {
		return 0
	}
	var prev *goimagehash.ImageHash
	var total float64
	var pairs int
	for _, data := range frames {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			continue
		}
		hash, err := goimagehash.PerceptionHash(img)
		if err != nil {
			continue
		}
		if prev != nil {
			if dist, err := prev.Distance(hash); err == nil {
				total += float64(dist) / hashBits
				pairs++
			}
		}
		prev = hash
	}
	if pairs == 0 {
		return 0
	}
	avg := total / float64(pairs)
	if d.cfg.MotionThreshold <= 0 {
		return clamp01(avg)
	}
	return clamp01(avg / d.cfg.MotionThreshold)
}

func (d *Detector) matchKeywords(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var matched []string
	for _, kw := range d.cfg.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// keywordScore saturates at two distinct keyword hits.
func keywordScore(matches int) float64 {
	return clamp01(float64(matches) * keywordHitWeight)
}

// peakDBFS returns the peak level of PCM16LE samples in dBFS. Returns
// silenceFloorDB for empty or all-zero audio.
func peakDBFS(pcm []byte) float64 {
	var peak int16
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if s == math.MinInt16 {
			return 0 // full scale
		}
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return silenceFloorDB
	}
	return 20 * math.Log10(float64(peak)/32768)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
