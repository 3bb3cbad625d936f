// Package playback turns audio payloads received from the backend into
// playable clips and plays them on the default output device.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const MIMEWAV = "audio/wav"

var ErrInvalidAudio = errors.New("invalid audio payload")

// Clip is a transient handle on decoded audio bytes. Release frees the bytes
// and runs the release hook; only the first call has any effect.
type Clip struct {
	ID   uuid.UUID
	MIME string

	mu        sync.Mutex
	data      []byte
	released  bool
	onRelease func()
}

func NewClip(data []byte, mime string) *Clip {
	return &Clip{ID: uuid.New(), MIME: mime, data: data}
}

// DecodeBase64 decodes a base64 payload into a WAV clip.
func DecodeBase64(payload string) (*Clip, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAudio)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}
	return NewClip(data, MIMEWAV), nil
}

// OnRelease sets a hook run once when the clip is released.
func (c *Clip) OnRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRelease = fn
}

// Bytes returns the audio, or nil once released.
func (c *Clip) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Clip) Len() int {
	return len(c.Bytes())
}

func (c *Clip) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.data = nil
	fn := c.onRelease
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (c *Clip) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
