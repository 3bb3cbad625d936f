package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/youpy/go-wav"
)

const framesPerBuffer = 1024

var errReleased = errors.New("clip already released")

// Speaker plays WAV clips on the default output device.
type Speaker struct{}

// Play starts playback in the background and calls done exactly once when
// the clip has finished or failed.
func (s *Speaker) Play(clip *Clip, done func(error)) {
	go func() {
		done(s.play(clip))
	}()
}

// PlayFile plays a WAV file and blocks until it ends.
func (s *Speaker) PlayFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	clip := NewClip(data, MIMEWAV)
	defer clip.Release()
	return s.play(clip)
}

func (s *Speaker) play(clip *Clip) error {
	data := clip.Bytes()
	if data == nil {
		return errReleased
	}

	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return fmt.Errorf("unsupported WAV sample size %d", format.BitsPerSample)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return fmt.Errorf("unsupported WAV channel count %d", channels)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	var (
		finished   = make(chan struct{})
		finishOnce sync.Once
		readErr    error
	)

	stream, err := portaudio.OpenDefaultStream(
		0,
		channels,
		float64(format.SampleRate),
		framesPerBuffer,
		func(out []int16) {
			samples, err := reader.ReadSamples(uint32(len(out) / channels))
			n := 0
			for _, sample := range samples {
				for ch := 0; ch < channels && n < len(out); ch++ {
					out[n] = int16(sample.Values[ch])
					n++
				}
			}
			// Fill remaining buffer with silence if needed
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			if err != nil {
				finishOnce.Do(func() {
					if err != io.EOF {
						readErr = fmt.Errorf("error reading from WAV data: %w", err)
					}
					close(finished)
				})
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	slog.Debug("Playing clip",
		"clipID", clip.ID,
		"bytes", len(data),
		"sampleRate", format.SampleRate,
		"channels", channels)

	<-finished

	if err := stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return readErr
}
