// Package capture provides live capture sources feeding the recorder.
package capture

// Capture buffer and format constants
const (
	// Sample channel depth before drops
	MuxBufferSize   = 100
	AudioBufferSize = 100

	// portaudio frames per read, ~64ms at 16kHz
	FramesPerBuffer = 1024

	// PCM16 bytes per sample
	PCM16BytesPerSample = 2
)
