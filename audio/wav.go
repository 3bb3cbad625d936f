package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const wavHeaderSize = 44

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWavHeader writes a mono 16-bit PCM header for dataSize bytes of audio.
func WriteWavHeader(w io.Writer, sampleRate int, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(Channels) * uint32(bitsPerSample) / 8,
		BlockAlign:    Channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

func UpdateWavHeader(file io.WriteSeeker, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(dataSize+36)); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// Recorder archives the PCM16 frames of one session into a WAV file laid out
// as <dir>/<YYYYMMDD>/<sessionID>/audio_<HHMMSS>.wav. Recordings shorter than
// MinRecording are removed on Close.
type Recorder struct {
	file       *os.File
	sampleRate int
	written    uint32
	closed     bool
}

// MinRecording is the shortest recording Close keeps.
const MinRecording = time.Second

func NewRecorder(dir string, sessionID uuid.UUID, sampleRate int) (*Recorder, error) {
	now := time.Now()
	sessionDir := filepath.Join(dir, now.Format("20060102"), sessionID.String())
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	file, err := createUnique(sessionDir, "audio_"+now.Format("150405"))
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	if err := WriteWavHeader(file, sampleRate, 0); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &Recorder{file: file, sampleRate: sampleRate}, nil
}

// createUnique creates <base>.wav in dir, or <base>_<n>.wav when a recording
// from the same second already exists. Existing files are never truncated.
func createUnique(dir, base string) (*os.File, error) {
	name := base + ".wav"
	for n := 1; ; n++ {
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if !errors.Is(err, fs.ErrExist) {
			return file, err
		}
		name = fmt.Sprintf("%s_%d.wav", base, n)
	}
}

func (r *Recorder) Path() string {
	return r.file.Name()
}

// Write appends little-endian PCM16 bytes.
func (r *Recorder) Write(pcm []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(pcm)
	r.written += uint32(n)
	return n, err
}

// Duration reports how much audio has been written so far.
func (r *Recorder) Duration() time.Duration {
	samples := int64(r.written) / 2
	return time.Duration(samples) * time.Second / time.Duration(r.sampleRate)
}

func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	if r.Duration() < MinRecording {
		slog.Debug("Dropping short recording",
			"file", r.file.Name(),
			"bytes", r.written)
		r.file.Close()
		return os.Remove(r.file.Name())
	}

	if err := UpdateWavHeader(r.file, r.written); err != nil {
		r.file.Close()
		return err
	}

	slog.Info("Saved recording",
		"file", r.file.Name(),
		"bytes", r.written,
		"durationSeconds", r.Duration().Seconds())
	return r.file.Close()
}
