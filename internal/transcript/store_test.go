package transcript

import (
	"testing"
	"time"

	"github.com/clipforge/clipd/internal/media"
)

func seg(text string, startSec, endSec float64) media.TranscriptSegment {
	return media.TranscriptSegment{
		Text:  text,
		Start: time.Duration(startSec * float64(time.Second)),
		End:   time.Duration(endSec * float64(time.Second)),
	}
}

func TestAddKeepsOrder(t *testing.T) {
	s := NewStore(100, 10)
	s.Add("r1", seg("second", 10, 12))
	s.Add("r1", seg("first", 2, 4))

	all := s.All("r1")
	if len(all) != 2 {
		t.Fatalf("stored %d segments, want 2", len(all))
	}
	if all[0].Text != "first" || all[1].Text != "second" {
		t.Errorf("segments out of order: %+v", all)
	}
}

func TestRangeIntersection(t *testing.T) {
	s := NewStore(100, 10)
	s.Add("r1", seg("a", 0, 5), seg("b", 10, 20), seg("c", 30, 35))

	got := s.Range("r1", 12*time.Second, 32*time.Second)
	if len(got) != 2 {
		t.Fatalf("Range() returned %d segments, want 2", len(got))
	}
	if got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("Range() = %+v, want b then c", got)
	}
}

func TestRangeSpanningSegment(t *testing.T) {
	s := NewStore(100, 10)
	// One segment spanning a chunk boundary at 30s.
	s.Add("r1", seg("spans the boundary", 25, 35))

	if got := s.Range("r1", 30*time.Second, 60*time.Second); len(got) != 1 {
		t.Errorf("segment spanning range start should be returned, got %d", len(got))
	}
	if got := s.Range("r1", 0, 30*time.Second); len(got) != 1 {
		t.Errorf("segment spanning range end should be returned, got %d", len(got))
	}
}

func TestText(t *testing.T) {
	s := NewStore(100, 10)
	s.Add("r1", seg("that was", 0, 2), seg("insane", 2, 4), seg("  ", 4, 5))

	if got := s.Text("r1", 0, 10*time.Second); got != "that was insane" {
		t.Errorf("Text() = %q, want %q", got, "that was insane")
	}
}

func TestMaxPerRecording(t *testing.T) {
	s := NewStore(3, 10)
	for i := 0; i < 6; i++ {
		s.Add("r1", seg("x", float64(i), float64(i)+1))
	}
	if got := len(s.All("r1")); got != 3 {
		t.Errorf("stored %d segments, want 3 (oldest pruned)", got)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore(100, 10)
	s.Add("r1", seg("a", 0, 1))
	s.Remove("r1")
	if got := s.All("r1"); len(got) != 0 {
		t.Errorf("segments after Remove = %d, want 0", len(got))
	}
}

func TestEmitNonBlocking(t *testing.T) {
	s := NewStore(100, 1)
	s.Emit(Event{RecordingID: "r1"})

	done := make(chan struct{})
	go func() {
		s.Emit(Event{RecordingID: "r1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Emit blocked when channel was full")
	}
}
