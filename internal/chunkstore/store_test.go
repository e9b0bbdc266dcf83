package chunkstore

import (
	"context"
	"testing"
	"time"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
)

func testChunk(recID string, idx int, size int) *media.StreamChunk {
	return &media.StreamChunk{
		ID:          "c",
		RecordingID: recID,
		ChunkIndex:  idx,
		Timestamp:   time.Duration(idx) * 30 * time.Second,
		Duration:    30 * time.Second,
		Audio:       make([]byte, size),
	}
}

func mustPut(t *testing.T, s *Store, c *media.StreamChunk) {
	t.Helper()
	if err := s.Put(context.Background(), c); err != nil {
		t.Fatalf("Put(%d) = %v", c.ChunkIndex, err)
	}
}

func TestPutContiguous(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 5; i++ {
		mustPut(t, s, testChunk("r1", i, 10))
	}

	got := s.Indices("r1")
	if len(got) != 5 {
		t.Fatalf("stored %d chunks, want 5", len(got))
	}
	for i, idx := range got {
		if idx != i {
			t.Errorf("Indices()[%d] = %d, want %d", i, idx, i)
		}
	}
}

func TestPutDuplicateIndex(t *testing.T) {
	s := New(Config{})
	mustPut(t, s, testChunk("r1", 0, 10))

	err := s.Put(context.Background(), testChunk("r1", 0, 10))
	if !errors.IsCode(err, errors.CodeStorageDuplicateIndex) {
		t.Errorf("duplicate Put = %v, want STORAGE_DUPLICATE_INDEX", err)
	}
}

func TestPutGap(t *testing.T) {
	s := New(Config{})
	mustPut(t, s, testChunk("r1", 0, 10))

	err := s.Put(context.Background(), testChunk("r1", 2, 10))
	if !errors.IsCode(err, errors.CodeStorageOutOfOrder) {
		t.Errorf("gapped Put = %v, want STORAGE_OUT_OF_ORDER", err)
	}
}

func TestPutBelowEvictionWatermark(t *testing.T) {
	s := New(Config{Retention: time.Minute})
	mustPut(t, s, testChunk("r1", 0, 10))
	mustPut(t, s, testChunk("r1", 1, 10))

	// Age everything past retention and sweep.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep() evicted %d, want 2", n)
	}

	err := s.Put(context.Background(), testChunk("r1", 1, 10))
	if !errors.IsCode(err, errors.CodeStorageOutOfOrder) {
		t.Errorf("Put below watermark = %v, want STORAGE_OUT_OF_ORDER", err)
	}

	// The next contiguous index is still accepted.
	mustPut(t, s, testChunk("r1", 2, 10))
}

func TestGetRange(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 4; i++ {
		mustPut(t, s, testChunk("r1", i, 10))
	}

	// [45s, 75s) intersects chunks 1 and 2.
	chunks, err := s.Get("r1", 45*time.Second, 75*time.Second)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if len(chunks) != 2 || chunks[0].ChunkIndex != 1 || chunks[1].ChunkIndex != 2 {
		t.Errorf("Get() returned indices %v, want [1 2]", chunks)
	}
}

func TestGetEvictedRange(t *testing.T) {
	s := New(Config{Retention: time.Minute})
	for i := 0; i < 3; i++ {
		mustPut(t, s, testChunk("r1", i, 10))
	}

	// Age only the first chunk past retention.
	s.mu.Lock()
	s.recs["r1"].entries[0].addedAt = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() evicted %d, want 1", n)
	}

	_, err := s.Get("r1", 0, 40*time.Second)
	if !errors.IsCode(err, errors.CodeStorageEvictedRange) {
		t.Errorf("Get over evicted range = %v, want STORAGE_EVICTED_RANGE", err)
	}

	// The retained part is still readable.
	chunks, err := s.Get("r1", 30*time.Second, 90*time.Second)
	if err != nil || len(chunks) != 2 {
		t.Errorf("Get retained range = (%d chunks, %v), want 2 chunks", len(chunks), err)
	}
}

func TestSweepSkipsPinned(t *testing.T) {
	s := New(Config{Retention: time.Minute})
	for i := 0; i < 3; i++ {
		mustPut(t, s, testChunk("r1", i, 10))
	}

	pin, err := s.Pin("r1", 0, 30*time.Second) // chunk 0
	if err != nil {
		t.Fatalf("Pin() = %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := s.Sweep(); n != 0 {
		t.Errorf("Sweep() evicted %d chunks behind a pin, want 0", n)
	}
	if got := s.Indices("r1"); len(got) != 3 {
		t.Errorf("retained %v, want all 3 while pinned", got)
	}

	pin.Release()
	if n := s.Sweep(); n != 3 {
		t.Errorf("Sweep() after release evicted %d, want 3", n)
	}
}

func TestPinReleaseIdempotent(t *testing.T) {
	s := New(Config{})
	mustPut(t, s, testChunk("r1", 0, 10))

	pin, _ := s.Pin("r1", 0, time.Minute)
	pin.Release()
	pin.Release()

	s.mu.Lock()
	pins := s.recs["r1"].entries[0].pins
	s.mu.Unlock()
	if pins != 0 {
		t.Errorf("pins = %d after double release, want 0", pins)
	}
}

func TestSizeCapEvictsOldestFirst(t *testing.T) {
	s := New(Config{MaxBytes: 100, AdmitTimeout: 10 * time.Millisecond})
	for i := 0; i < 3; i++ {
		mustPut(t, s, testChunk("r1", i, 40))
	}

	// Third put must have evicted chunk 0 to fit under 100 bytes.
	got := s.Indices("r1")
	if len(got) != 2 || got[0] != 1 {
		t.Errorf("retained %v, want [1 2] after size eviction", got)
	}
	if s.BufferedBytes() != 80 {
		t.Errorf("BufferedBytes() = %d, want 80", s.BufferedBytes())
	}
}

func TestSizeCapQuotaTimeout(t *testing.T) {
	s := New(Config{MaxBytes: 100, AdmitTimeout: 20 * time.Millisecond})
	mustPut(t, s, testChunk("r1", 0, 60))
	mustPut(t, s, testChunk("r2", 0, 40))

	// Pin everything so nothing is evictable.
	p1, _ := s.Pin("r1", 0, time.Hour)
	p2, _ := s.Pin("r2", 0, time.Hour)
	defer p1.Release()
	defer p2.Release()

	start := time.Now()
	err := s.Put(context.Background(), testChunk("r1", 1, 60))
	if !errors.IsCode(err, errors.CodeStorageQuotaExceeded) {
		t.Fatalf("Put over cap = %v, want STORAGE_QUOTA_EXCEEDED", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Put should block for the admit timeout before failing")
	}
}

func TestSizeCapUnblocksOnRelease(t *testing.T) {
	s := New(Config{MaxBytes: 100, AdmitTimeout: time.Second, Retention: time.Nanosecond})
	mustPut(t, s, testChunk("r1", 0, 80))
	pin, _ := s.Pin("r1", 0, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- s.Put(context.Background(), testChunk("r1", 1, 80))
	}()

	time.Sleep(20 * time.Millisecond)
	pin.Release()
	// Chunk 0 is instantly past retention; a sweep frees the space.
	s.Sweep()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("blocked Put = %v, want nil after release+sweep", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after pin release")
	}
}

func TestDrop(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 3; i++ {
		mustPut(t, s, testChunk("r1", i, 10))
	}

	s.Drop("r1")
	if got := s.Indices("r1"); len(got) != 0 {
		t.Errorf("retained %v after Drop, want none", got)
	}
	if s.BufferedBytes() != 0 {
		t.Errorf("BufferedBytes() = %d after Drop, want 0", s.BufferedBytes())
	}
}

func TestIndependentRecordings(t *testing.T) {
	s := New(Config{})
	mustPut(t, s, testChunk("r1", 0, 10))
	mustPut(t, s, testChunk("r2", 0, 10))
	mustPut(t, s, testChunk("r2", 1, 10))

	if got := s.Indices("r1"); len(got) != 1 {
		t.Errorf("r1 retained %v, want 1 chunk", got)
	}
	if got := s.Indices("r2"); len(got) != 2 {
		t.Errorf("r2 retained %v, want 2 chunks", got)
	}
}
