// Package capture - portaudio-backed audio source.
package capture

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/clipforge/clipd/internal/errors"
)

// AudioSource captures mono PCM16 audio from the default input device and,
// optionally, loopback/system devices.
type AudioSource struct {
	sampleRate   int
	systemAudio  bool
	excludedDevs []string

	outCh   chan Sample
	streams []*deviceStream
	mu      sync.Mutex
	wg      sync.WaitGroup
	once    sync.Once
	stopCh  chan struct{}
}

type deviceStream struct {
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewAudioSource creates an audio source. portaudio is initialized here and
// terminated on Stop.
func NewAudioSource(sampleRate int, captureSystemAudio bool, excludedDevices []string) (*AudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCapturePermissionDenied, "audio subsystem unavailable")
	}
	return &AudioSource{
		sampleRate:   sampleRate,
		systemAudio:  captureSystemAudio,
		excludedDevs: excludedDevices,
		outCh:        make(chan Sample, AudioBufferSize),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start opens capture streams. Fails with a no-source error when no usable
// input device exists and a permission error when the device cannot be
// opened.
func (a *AudioSource) Start(ctx context.Context) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return errors.Wrap(err, errors.CodeCapturePermissionDenied, "cannot enumerate audio devices")
	}

	var inputs []*portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels == 0 || a.isExcluded(dev.Name) {
			continue
		}
		if !a.systemAudio && isLoopbackDevice(dev.Name) {
			continue
		}
		inputs = append(inputs, dev)
	}
	if len(inputs) == 0 {
		return errors.New(errors.CodeCaptureNoSource, "no capturable audio input device")
	}

	started := 0
	for _, dev := range inputs {
		if err := a.startDevice(ctx, dev); err != nil {
			slog.Warn("failed to start audio device", "device", dev.Name, "error", err)
			continue
		}
		slog.Info("started audio capture", "device", dev.Name)
		started++
	}
	if started == 0 {
		return errors.New(errors.CodeCapturePermissionDenied, "all audio devices refused to open")
	}

	go func() {
		a.wg.Wait()
		close(a.outCh)
	}()
	return nil
}

func (a *AudioSource) startDevice(ctx context.Context, dev *portaudio.DeviceInfo) error {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(a.sampleRate),
		FramesPerBuffer: FramesPerBuffer,
	}

	buf := make([]float32, FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}

	devCtx, cancel := context.WithCancel(ctx)
	ds := &deviceStream{stream: stream, cancel: cancel}

	a.mu.Lock()
	a.streams = append(a.streams, ds)
	a.mu.Unlock()

	deviceID := dev.Name
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ds.stop()
		for {
			select {
			case <-devCtx.Done():
				return
			case <-a.stopCh:
				return
			default:
			}

			if err := stream.Read(); err != nil {
				slog.Debug("audio read error", "device", deviceID, "error", err)
				return
			}

			sample := Sample{Audio: float32ToPCM16(buf), At: time.Now()}
			select {
			case a.outCh <- sample:
			default:
				slog.Debug("audio buffer full, dropping sample", "device", deviceID)
			}
		}
	}()
	return nil
}

// Output returns the sample channel.
func (a *AudioSource) Output() <-chan Sample { return a.outCh }

// Stop stops all capture streams.
func (a *AudioSource) Stop() {
	a.once.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		for _, ds := range a.streams {
			ds.stop()
		}
		a.streams = nil
		a.mu.Unlock()
		_ = portaudio.Terminate()
	})
}

func (d *deviceStream) stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.stream != nil {
			_ = d.stream.Stop()
			_ = d.stream.Close()
		}
	})
}

func (a *AudioSource) isExcluded(name string) bool {
	for _, ex := range a.excludedDevs {
		if strings.Contains(strings.ToLower(name), strings.ToLower(ex)) {
			return true
		}
	}
	return false
}

func isLoopbackDevice(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// float32ToPCM16 converts float32 samples to PCM16LE bytes.
func float32ToPCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*PCM16BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	return buf
}
