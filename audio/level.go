package audio

import "math"

// Number of blocks averaged into the background level
const backgroundWindow = 50

// Meter tracks the loudness of captured blocks against a rolling average of
// recent blocks, which approximates the background noise floor.
type Meter struct {
	background float64
	window     []float64
	blocks     int
}

func NewMeter() *Meter {
	return &Meter{window: make([]float64, 0, backgroundWindow)}
}

// Observe records one block and returns its amplitude together with the
// updated background level.
func (m *Meter) Observe(pcm []int16) (amplitude, background float64) {
	amplitude = Amplitude(pcm)
	m.blocks++

	if len(m.window) >= backgroundWindow {
		m.window = m.window[1:]
	}
	m.window = append(m.window, amplitude)

	var sum float64
	for _, a := range m.window {
		sum += a
	}
	m.background = sum / float64(len(m.window))
	return amplitude, m.background
}

// Blocks returns how many blocks have been observed.
func (m *Meter) Blocks() int {
	return m.blocks
}

// Amplitude is the mean absolute sample value of a block.
func Amplitude(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var total float64
	for _, sample := range pcm {
		total += math.Abs(float64(sample))
	}
	return total / float64(len(pcm))
}
