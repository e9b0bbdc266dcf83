// Package capture provides live capture sources feeding the recorder.
package capture

import (
	"context"
	"sync"
	"time"
)

// Sample is one captured slice of payload from a source.
type Sample struct {
	Audio []byte // PCM16LE mono
	Frame []byte // JPEG frame
	At    time.Time
}

// Source produces samples from a live input. Start fails with a coded
// capture error when the input is missing or access is denied; the output
// channel closes when the underlying stream ends.
type Source interface {
	Start(ctx context.Context) error
	Output() <-chan Sample
	Stop()
}

// Mux merges several sources into a single sample stream.
type Mux struct {
	sources []Source
	outCh   chan Sample
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewMux creates a merged source.
func NewMux(sources ...Source) *Mux {
	return &Mux{
		sources: sources,
		outCh:   make(chan Sample, MuxBufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start starts every underlying source. Any single failure stops the
// already started ones and is returned as-is.
func (m *Mux) Start(ctx context.Context) error {
	for i, src := range m.sources {
		if err := src.Start(ctx); err != nil {
			for _, started := range m.sources[:i] {
				started.Stop()
			}
			return err
		}
	}
	for _, src := range m.sources {
		m.wg.Add(1)
		go m.forward(src)
	}
	go func() {
		m.wg.Wait()
		close(m.outCh)
	}()
	return nil
}

func (m *Mux) forward(src Source) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case s, ok := <-src.Output():
			if !ok {
				return
			}
			select {
			case m.outCh <- s:
			case <-m.stopCh:
				return
			}
		}
	}
}

// Output returns the merged sample channel. It closes when every
// underlying source has ended.
func (m *Mux) Output() <-chan Sample { return m.outCh }

// Stop stops all underlying sources.
func (m *Mux) Stop() {
	m.once.Do(func() {
		close(m.stopCh)
		for _, src := range m.sources {
			src.Stop()
		}
	})
}
