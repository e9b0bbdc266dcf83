//go:build darwin

package capture

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

type darwinFrameBackend struct{ tempDir string }

func newFrameBackend(tempDir string) frameBackend {
	return &darwinFrameBackend{tempDir: tempDir}
}

func (d *darwinFrameBackend) captureRaw() []byte {
	tmpFile := filepath.Join(d.tempDir, "frame.jpg")
	cmd := exec.Command("screencapture", "-x", "-t", "jpg", "-m", tmpFile)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		slog.Error("frame capture failed", "error", err, "stderr", stderr.String())
		return nil
	}
	data, err := os.ReadFile(tmpFile)
	if err != nil {
		slog.Error("failed to read frame", "error", err)
		return nil
	}
	os.Remove(tmpFile)
	return data
}

func (d *darwinFrameBackend) cleanup() {}
