package audio

import (
	"encoding/binary"
	"math"
)

const (
	SampleRate      = 16000 // Rate expected by the backend
	Channels        = 1     // Mono audio
	FramesPerBuffer = 4096  // Samples per captured block
	bitsPerSample   = 16    // Using int16 for samples
)

// Encode converts float samples in [-1, 1] to signed 16-bit PCM. Samples
// outside the range are clamped. Negative samples scale by 32768 and
// positive ones by 32767 so both ends of the int16 range are reachable.
func Encode(frame []float32) []int16 {
	out := make([]int16, len(frame))
	for i, sample := range frame {
		out[i] = encodeSample(float64(sample))
	}
	return out
}

func encodeSample(s float64) int16 {
	if math.IsNaN(s) {
		return 0
	}
	s = math.Max(-1, math.Min(1, s))
	if s < 0 {
		return int16(math.Round(s * 32768))
	}
	return int16(math.Round(s * 32767))
}

// Decode is the inverse of Encode.
func Decode(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// PCM16Bytes lays samples out as contiguous little-endian bytes.
func PCM16Bytes(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

// PCM16FromBytes reads little-endian samples. A trailing odd byte is ignored.
func PCM16FromBytes(buf []byte) []int16 {
	n := len(buf) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

// EncodeFrame runs Encode and returns the wire bytes for one block.
func EncodeFrame(frame []float32) []byte {
	return PCM16Bytes(Encode(frame))
}
