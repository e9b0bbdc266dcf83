//go:build windows

package capture

import "log/slog"

type windowsFrameBackend struct{ tempDir string }

func newFrameBackend(tempDir string) frameBackend {
	return &windowsFrameBackend{tempDir: tempDir}
}

func (w *windowsFrameBackend) captureRaw() []byte {
	// TODO: Implement using Windows GDI or DXGI
	slog.Warn("Windows frame capture not yet implemented")
	return nil
}

func (w *windowsFrameBackend) cleanup() {}
