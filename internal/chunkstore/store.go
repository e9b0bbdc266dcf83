// Package chunkstore provides a bounded, time-ordered store of stream
// chunks with retention-based eviction and refcounted range pinning.
package chunkstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
)

// Config holds store limits.
type Config struct {
	Retention     time.Duration // max chunk age before eviction
	SweepInterval time.Duration // background eviction cadence
	MaxBytes      int64         // total buffered payload cap
	AdmitTimeout  time.Duration // how long Put blocks when the cap is hit
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.AdmitTimeout <= 0 {
		c.AdmitTimeout = DefaultAdmitTimeout
	}
	return c
}

type entry struct {
	chunk   *media.StreamChunk
	addedAt time.Time
	pins    int
}

// recordingBuf holds the contiguous retained run for one recording.
// entries[0] has index base; indices below base have been evicted.
type recordingBuf struct {
	entries        []*entry
	base           int
	highestEvicted int // -1 until the first eviction
}

func (b *recordingBuf) nextIndex() int {
	if len(b.entries) == 0 {
		return b.highestEvicted + 1
	}
	return b.base + len(b.entries)
}

// Store is the rolling chunk buffer shared by the recorder (producer),
// the eviction sweep, and detection/export consumers.
type Store struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cfg   Config
	recs  map[string]*recordingBuf
	bytes int64
	now   func() time.Time
}

// New creates a chunk store.
func New(cfg Config) *Store {
	s := &Store{
		cfg:  cfg.withDefaults(),
		recs: make(map[string]*recordingBuf),
		now:  time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put admits a finalized chunk. Indices must be contiguous per recording:
// duplicates and anything at or below the eviction watermark are rejected,
// as is any gap. When the size cap is hit Put evicts oldest-first, and if
// nothing is evictable it blocks up to AdmitTimeout before failing with a
// quota-exceeded error.
func (s *Store) Put(ctx context.Context, chunk *media.StreamChunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	size := int64(chunk.Size())

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[chunk.RecordingID]
	if !ok {
		rec = &recordingBuf{highestEvicted: -1}
		s.recs[chunk.RecordingID] = rec
	}

	switch {
	case chunk.ChunkIndex <= rec.highestEvicted:
		return errors.Newf(errors.CodeStorageOutOfOrder,
			"chunk %d at or below eviction watermark %d", chunk.ChunkIndex, rec.highestEvicted).
			WithMetadata("recording", chunk.RecordingID)
	case chunk.ChunkIndex < rec.nextIndex():
		return errors.Newf(errors.CodeStorageDuplicateIndex,
			"chunk %d already stored", chunk.ChunkIndex).
			WithMetadata("recording", chunk.RecordingID)
	case chunk.ChunkIndex > rec.nextIndex():
		return errors.Newf(errors.CodeStorageOutOfOrder,
			"chunk %d leaves a gap, next expected %d", chunk.ChunkIndex, rec.nextIndex()).
			WithMetadata("recording", chunk.RecordingID)
	}

	if err := s.admitLocked(ctx, size); err != nil {
		return err
	}

	if len(rec.entries) == 0 {
		rec.base = chunk.ChunkIndex
	}
	rec.entries = append(rec.entries, &entry{chunk: chunk, addedAt: s.now()})
	s.bytes += size
	return nil
}

// admitLocked makes room for size bytes, blocking with a deadline when the
// buffer is full of pinned or in-flight data.
func (s *Store) admitLocked(ctx context.Context, size int64) error {
	deadline := s.now().Add(s.cfg.AdmitTimeout)
	var timer *time.Timer

	for s.bytes+size > s.cfg.MaxBytes {
		if s.evictOldestLocked() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.CodeCancelled, "chunk admission cancelled")
		}
		if !s.now().Before(deadline) {
			return errors.Newf(errors.CodeStorageQuotaExceeded,
				"buffer full: %d bytes buffered, cap %d", s.bytes, s.cfg.MaxBytes)
		}
		if timer == nil {
			// Wake the waiter at the deadline; pin releases broadcast too.
			timer = time.AfterFunc(s.cfg.AdmitTimeout, s.cond.Broadcast)
			defer timer.Stop()
		}
		s.cond.Wait()
	}
	return nil
}

// Get returns the ordered chunks whose time spans intersect [from, to).
// Fails with an evicted-range error if any part of the requested range has
// already been evicted.
func (s *Store) Get(recordingID string, from, to time.Duration) ([]*media.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown recording %s", recordingID)
	}
	if rec.highestEvicted >= 0 {
		if len(rec.entries) == 0 || from < rec.entries[0].chunk.Timestamp {
			return nil, errors.Newf(errors.CodeStorageEvictedRange,
				"range start %s precedes retained window", from)
		}
	}

	var out []*media.StreamChunk
	for _, e := range rec.entries {
		if e.chunk.Timestamp < to && e.chunk.End() > from {
			out = append(out, e.chunk)
		}
	}
	return out, nil
}

// Pin acquires a scoped reference to every retained chunk intersecting
// [from, to), preventing their eviction until Release. A pin on an already
// partially evicted range fails like Get.
func (s *Store) Pin(recordingID string, from, to time.Duration) (*Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown recording %s", recordingID)
	}
	if rec.highestEvicted >= 0 {
		if len(rec.entries) == 0 || from < rec.entries[0].chunk.Timestamp {
			return nil, errors.Newf(errors.CodeStorageEvictedRange,
				"range start %s precedes retained window", from)
		}
	}

	var indices []int
	for _, e := range rec.entries {
		if e.chunk.Timestamp < to && e.chunk.End() > from {
			e.pins++
			indices = append(indices, e.chunk.ChunkIndex)
		}
	}
	return &Pin{store: s, recordingID: recordingID, indices: indices}, nil
}

// Sweep runs one eviction pass: every chunk older than the retention
// window and not pinned is removed, oldest-first. Eviction stops at the
// first pinned or young chunk per recording to keep retained indices
// contiguous.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.Retention)
	evicted := 0
	for id, rec := range s.recs {
		for len(rec.entries) > 0 {
			head := rec.entries[0]
			if head.pins > 0 || !head.addedAt.Before(cutoff) {
				break
			}
			s.dropHeadLocked(rec)
			evicted++
		}
		if len(rec.entries) == 0 && rec.highestEvicted < 0 {
			delete(s.recs, id)
		}
	}
	if evicted > 0 {
		slog.Debug("eviction sweep complete", "evicted", evicted, "buffered_bytes", s.bytes)
		s.cond.Broadcast()
	}
	return evicted
}

// evictOldestLocked drops the single oldest unpinned head chunk across all
// recordings. Returns false when nothing is evictable.
func (s *Store) evictOldestLocked() bool {
	var victim *recordingBuf
	var oldest time.Time
	for _, rec := range s.recs {
		if len(rec.entries) == 0 || rec.entries[0].pins > 0 {
			continue
		}
		if victim == nil || rec.entries[0].addedAt.Before(oldest) {
			victim = rec
			oldest = rec.entries[0].addedAt
		}
	}
	if victim == nil {
		return false
	}
	s.dropHeadLocked(victim)
	return true
}

func (s *Store) dropHeadLocked(rec *recordingBuf) {
	head := rec.entries[0]
	s.bytes -= int64(head.chunk.Size())
	rec.highestEvicted = head.chunk.ChunkIndex
	rec.entries = rec.entries[1:]
	rec.base = head.chunk.ChunkIndex + 1
}

// Run drives the periodic eviction sweep until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Drop removes all retained chunks for a recording regardless of age.
// Pinned chunks survive until released; the rest go immediately.
func (s *Store) Drop(recordingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return
	}
	for len(rec.entries) > 0 && rec.entries[0].pins == 0 {
		s.dropHeadLocked(rec)
	}
	if len(rec.entries) == 0 {
		delete(s.recs, recordingID)
	}
	s.cond.Broadcast()
}

// Indices returns the retained chunk indices for a recording, in order.
func (s *Store) Indices(recordingID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(rec.entries))
	for _, e := range rec.entries {
		out = append(out, e.chunk.ChunkIndex)
	}
	return out
}

// BufferedBytes returns the current total payload size.
func (s *Store) BufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Pin is a scoped reference to a chunk range. Release is idempotent and
// must be called when the consumer finishes.
type Pin struct {
	store       *Store
	recordingID string
	indices     []int
	once        sync.Once
}

// Chunks returns the pinned chunk indices.
func (p *Pin) Chunks() []int { return p.indices }

// Release drops the reference and wakes blocked producers.
func (p *Pin) Release() {
	p.once.Do(func() {
		p.store.mu.Lock()
		defer p.store.mu.Unlock()

		rec, ok := p.store.recs[p.recordingID]
		if !ok {
			return
		}
		for _, idx := range p.indices {
			if idx >= rec.base && idx < rec.base+len(rec.entries) {
				e := rec.entries[idx-rec.base]
				if e.pins > 0 {
					e.pins--
				}
			}
		}
		p.store.cond.Broadcast()
	})
}
