package capture

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clipforge/clipd/internal/errors"
)

// frameBackend implements platform-specific raw screenshot capture.
type frameBackend interface {
	captureRaw() []byte
	cleanup()
}

// FrameSource captures display frames at a fixed rate using the OS
// screenshot tool.
type FrameSource struct {
	backend  frameBackend
	interval time.Duration
	tempDir  string

	outCh  chan Sample
	stopCh chan struct{}
	once   sync.Once
}

// NewFrameSource creates a frame source capturing one frame per interval.
func NewFrameSource(interval time.Duration) *FrameSource {
	tmpDir, err := os.MkdirTemp("", "clipd-frames-*")
	if err != nil {
		slog.Error("failed to create temp dir for frames", "error", err)
		tmpDir = os.TempDir()
	}
	return &FrameSource{
		backend:  newFrameBackend(tmpDir),
		interval: interval,
		tempDir:  tmpDir,
		outCh:    make(chan Sample, MuxBufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start verifies the backend can capture and begins the ticker loop.
func (f *FrameSource) Start(ctx context.Context) error {
	if f.backend.captureRaw() == nil {
		return errors.New(errors.CodeCaptureNoSource, "no usable display capture tool")
	}

	go func() {
		defer close(f.outCh)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				data := f.backend.captureRaw()
				if data == nil {
					continue
				}
				select {
				case f.outCh <- Sample{Frame: data, At: time.Now()}:
				default:
					slog.Debug("frame buffer full, dropping frame")
				}
			}
		}
	}()
	return nil
}

// Output returns the frame sample channel.
func (f *FrameSource) Output() <-chan Sample { return f.outCh }

// Stop halts the capture loop and removes temp files.
func (f *FrameSource) Stop() {
	f.once.Do(func() {
		close(f.stopCh)
		f.backend.cleanup()
		if f.tempDir != "" {
			os.RemoveAll(f.tempDir)
		}
	})
}
