package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Microphone captures from a portaudio input device. A negative DeviceID
// selects the host default; otherwise it indexes portaudio.Devices().
type Microphone struct {
	DeviceID int
}

type micStream struct {
	rel *releaser
}

func (s *micStream) Close() error {
	return s.rel.release()
}

func (m *Microphone) Open(format Format, onFrame FrameFunc) (Stream, error) {
	rel := newReleaser()

	if err := portaudio.Initialize(); err != nil {
		return nil, classify("failed to initialize PortAudio", err)
	}
	rel.add(StepContext, portaudio.Terminate)

	device, err := m.inputDevice()
	if err != nil {
		rel.release()
		return nil, err
	}

	if format.EchoCancellation || format.NoiseSuppression {
		slog.Debug("Host API does not expose input processing, capturing raw audio",
			"echoCancellation", format.EchoCancellation,
			"noiseSuppression", format.NoiseSuppression)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		onFrame(in)
	})
	if err != nil {
		rel.release()
		return nil, classify("failed to open audio stream", err)
	}
	rel.add(StepSource, stream.Close)

	if err := stream.Start(); err != nil {
		rel.release()
		return nil, classify("failed to start audio stream", err)
	}
	rel.add(StepProcessor, stream.Stop)
	rel.add(StepTracks, func() error {
		slog.Debug("Released input device", "deviceName", device.Name)
		return nil
	})

	slog.Info("Capturing audio",
		"deviceName", device.Name,
		"sampleRate", format.SampleRate,
		"channels", format.Channels,
		"framesPerBuffer", format.FramesPerBuffer)

	return &micStream{rel: rel}, nil
}

func (m *Microphone) inputDevice() (*portaudio.DeviceInfo, error) {
	if m.DeviceID < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, classify("failed to get default input device", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, classify("failed to get audio devices", err)
	}
	if m.DeviceID >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device ID %d", ErrDeviceUnavailable, m.DeviceID)
	}

	device := devices[m.DeviceID]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %q is not an input device", ErrDeviceUnavailable, device.Name)
	}
	return device, nil
}

// classify maps a host audio error onto ErrPermissionDenied or
// ErrDeviceUnavailable.
func classify(msg string, err error) error {
	kind := ErrDeviceUnavailable
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		kind = ErrPermissionDenied
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}

// Device describes an audio input device.
type Device struct {
	ID                int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

func ListDevices() ([]Device, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]Device, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, Device{
				ID:                i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
			})
		}
	}

	return inputDevices, nil
}
