// Package capture acquires live audio as blocks of float32 samples.
package capture

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Format is the requested capture format.
type Format struct {
	SampleRate       int
	Channels         int
	FramesPerBuffer  int
	EchoCancellation bool
	NoiseSuppression bool
}

// FrameFunc receives one captured block. The slice is only valid for the
// duration of the call.
type FrameFunc func(frame []float32)

// Source opens capture streams. A failed Open leaves nothing allocated.
type Source interface {
	Open(format Format, onFrame FrameFunc) (Stream, error)
}

// Stream is a live capture. Close is idempotent.
type Stream interface {
	Close() error
}

// Release step names, in the order they run.
const (
	StepProcessor = "processor"
	StepSource    = "source"
	StepContext   = "context"
	StepTracks    = "tracks"
)

var releaseOrder = []string{StepProcessor, StepSource, StepContext, StepTracks}

// releaser runs teardown steps once, always in releaseOrder, whatever order
// they were registered in.
type releaser struct {
	once  sync.Once
	steps map[string]func() error
	err   error
}

func newReleaser() *releaser {
	return &releaser{steps: make(map[string]func() error)}
}

func (r *releaser) add(step string, fn func() error) {
	r.steps[step] = fn
}

func (r *releaser) release() error {
	r.once.Do(func() {
		for _, step := range releaseOrder {
			fn, ok := r.steps[step]
			if !ok {
				continue
			}
			if err := fn(); err != nil {
				slog.Error("Failed to release capture resource", "step", step, "error", err)
				if r.err == nil {
					r.err = err
				}
			}
		}
	})
	return r.err
}
