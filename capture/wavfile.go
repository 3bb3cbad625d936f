package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"
)

// WAVFile replays a 16-bit WAV file as if it were a microphone, emitting one
// block per buffer period until the file runs out.
type WAVFile struct {
	Path string
}

type wavStream struct {
	rel  *releaser
	done chan struct{}
	wg   sync.WaitGroup
}

func (s *wavStream) Close() error {
	return s.rel.release()
}

func (w *WAVFile) Open(format Format, onFrame FrameFunc) (Stream, error) {
	rel := newReleaser()

	file, err := os.Open(w.Path)
	if err != nil {
		return nil, classify("failed to open audio file", err)
	}
	rel.add(StepSource, file.Close)

	reader := wav.NewReader(file)
	wavFormat, err := reader.Format()
	if err != nil {
		rel.release()
		return nil, fmt.Errorf("%w: failed to read WAV format: %w", ErrDeviceUnavailable, err)
	}
	if wavFormat.BitsPerSample != 16 {
		rel.release()
		return nil, fmt.Errorf("%w: unsupported WAV sample size %d", ErrDeviceUnavailable, wavFormat.BitsPerSample)
	}
	if wavFormat.SampleRate == 0 {
		rel.release()
		return nil, fmt.Errorf("%w: WAV header has a sample rate of 0", ErrDeviceUnavailable)
	}
	if int(wavFormat.SampleRate) != format.SampleRate {
		slog.Warn("WAV sample rate differs from capture format",
			"file", w.Path,
			"fileRate", wavFormat.SampleRate,
			"captureRate", format.SampleRate)
	}

	framesPerBuffer := format.FramesPerBuffer
	if framesPerBuffer <= 0 {
		framesPerBuffer = 4096
	}
	period := time.Duration(framesPerBuffer) * time.Second / time.Duration(wavFormat.SampleRate)

	s := &wavStream{rel: rel, done: make(chan struct{})}
	s.wg.Add(1)
	go s.pump(reader, framesPerBuffer, period, onFrame)

	rel.add(StepProcessor, func() error {
		close(s.done)
		s.wg.Wait()
		return nil
	})

	slog.Info("Replaying audio file",
		"file", w.Path,
		"sampleRate", wavFormat.SampleRate,
		"channels", wavFormat.NumChannels,
		"framesPerBuffer", framesPerBuffer)

	return s, nil
}

func (s *wavStream) pump(reader *wav.Reader, framesPerBuffer int, period time.Duration, onFrame FrameFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	frame := make([]float32, framesPerBuffer)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		samples, err := reader.ReadSamples(uint32(framesPerBuffer))
		if len(samples) > 0 {
			for i := range frame {
				if i < len(samples) {
					frame[i] = float32(samples[i].Values[0]) / 32768
				} else {
					frame[i] = 0
				}
			}
			onFrame(frame)
		}
		if errors.Is(err, io.EOF) {
			slog.Debug("Audio file exhausted")
			return
		}
		if err != nil {
			slog.Error("Error reading from WAV file", "error", err)
			return
		}
	}
}
