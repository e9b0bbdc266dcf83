// Package transcript stores recording-relative transcript segments and
// serves alignment queries for the detection pipeline.
package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipd/internal/media"
)

// Event announces newly transcribed text for a recording.
type Event struct {
	RecordingID string
	Segment     media.TranscriptSegment
}

// Store keeps per-recording segment lists ordered by start offset.
// Segments may span chunk boundaries; alignment is by range intersection.
type Store struct {
	mu       sync.RWMutex
	recs     map[string][]media.TranscriptSegment
	eventsCh chan Event
	maxPer   int
}

// NewStore creates a transcript store.
func NewStore(maxPerRecording, eventBuffer int) *Store {
	return &Store{
		recs:     make(map[string][]media.TranscriptSegment),
		eventsCh: make(chan Event, eventBuffer),
		maxPer:   maxPerRecording,
	}
}

// Add inserts segments keeping start-offset order.
func (s *Store) Add(recordingID string, segs ...media.TranscriptSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.recs[recordingID], segs...)
	sort.Slice(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	if len(list) > s.maxPer {
		list = list[len(list)-s.maxPer:]
	}
	s.recs[recordingID] = list
}

// Range returns segments intersecting [from, to), ordered by start.
func (s *Store) Range(recordingID string, from, to time.Duration) []media.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []media.TranscriptSegment
	for _, seg := range s.recs[recordingID] {
		if seg.Start < to && seg.End > from {
			out = append(out, seg)
		}
	}
	return out
}

// Text joins the text of segments intersecting [from, to).
func (s *Store) Text(recordingID string, from, to time.Duration) string {
	segs := s.Range(recordingID, from, to)
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// All returns a copy of every segment for a recording.
func (s *Store) All(recordingID string) []media.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.recs[recordingID]
	out := make([]media.TranscriptSegment, len(src))
	copy(out, src)
	return out
}

// Remove drops all segments for a recording.
func (s *Store) Remove(recordingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, recordingID)
}

// Events returns the channel for transcript events.
func (s *Store) Events() <-chan Event {
	return s.eventsCh
}

// Emit sends a transcript event (non-blocking).
func (s *Store) Emit(event Event) {
	select {
	case s.eventsCh <- event:
	default:
	}
}
