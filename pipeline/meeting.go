package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bosley/voxprobe/audio"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/dispatch"
)

// Meeting streams microphone audio to /meeting for as long as the
// connection is open and routes whatever the backend sends back.
//
// Idle -> Connecting -> Streaming -> Idle. Recording starts on open, stops
// on close or error, and can be toggled while Streaming.
type Meeting struct {
	*core

	recordDir    string
	recorder     *audio.Recorder
	onConnection func(open bool)
}

func NewMeeting(cfg Config) *Meeting {
	return &Meeting{
		core:         newCore(dispatch.Meeting, cfg),
		recordDir:    cfg.RecordDir,
		onConnection: cfg.OnConnection,
	}
}

// Run handles events until ctx is cancelled. Commands fail with ErrStopped
// once Run has returned.
func (m *Meeting) Run(ctx context.Context) {
	m.run(ctx, m.handle, m.shutdown)
}

// Connect opens the meeting channel. An open channel is reused; any other
// previous connection is closed first.
func (m *Meeting) Connect(ctx context.Context) error {
	return m.call(ctx, event{kind: evConnect})
}

// Disconnect stops recording, then closes the channel.
func (m *Meeting) Disconnect(ctx context.Context) error {
	return m.call(ctx, event{kind: evDisconnect})
}

func (m *Meeting) StartRecording(ctx context.Context) error {
	return m.call(ctx, event{kind: evStartRecording})
}

func (m *Meeting) StopRecording(ctx context.Context) error {
	return m.call(ctx, event{kind: evStopRecording})
}

func (m *Meeting) handle(ev event) error {
	switch ev.kind {
	case evConnect:
		m.connect()

	case evDisconnect:
		m.disconnect()

	case evStartRecording:
		return m.startRecording()

	case evStopRecording:
		m.stopRecording()

	case evSetURL:
		m.url = ev.url

	case evOpen:
		if ev.conn != m.conn {
			return nil
		}
		m.phase = Streaming
		m.log.Success("Connected to /meeting - Ready to receive messages")
		m.notify(true)
		if err := m.startRecording(); err != nil {
			slog.Debug("Meeting recording did not start", "error", err)
		}

	case evMessage:
		if ev.conn != m.conn {
			return nil
		}
		m.router.Dispatch(ev.data)

	case evError:
		if ev.conn != m.conn {
			return nil
		}
		m.log.Error(fmt.Sprintf("Meeting WebSocket error: %v", ev.err))
		m.stopRecording()

	case evClose:
		if ev.conn != m.conn {
			return nil
		}
		m.stopRecording()
		m.conn = nil
		m.phase = Idle
		m.notify(false)
		m.log.Info("Meeting WebSocket closed")

	case evFrame:
		if !m.currentFrame(ev) {
			return nil
		}
		pcm := m.sendFrame(ev.frame)
		if m.recorder != nil {
			if _, err := m.recorder.Write(pcm); err != nil {
				slog.Error("Failed to write recording", "error", err)
			}
		}
	}
	return nil
}

func (m *Meeting) connect() {
	if m.conn != nil {
		if m.phase == Streaming {
			m.log.Info("Meeting WebSocket already connected")
			return
		}
		m.drop()
	}

	m.log.Info("Connecting to /meeting WebSocket...")
	conn := m.dial()
	slog.Debug("Meeting connection started", "url", m.url, "connectionID", conn.ID)
}

func (m *Meeting) disconnect() {
	if m.conn == nil {
		m.log.Info("Meeting WebSocket not connected")
		return
	}
	m.drop()
	m.log.Info("Meeting WebSocket disconnected")
}

// drop stops recording and closes the current connection without waiting
// for its close callback, which is then ignored as stale.
func (m *Meeting) drop() {
	m.stopRecording()
	m.conn.Close()
	m.conn = nil
	m.phase = Idle
	m.notify(false)
}

func (m *Meeting) notify(open bool) {
	if m.onConnection != nil {
		m.onConnection(open)
	}
}

func (m *Meeting) startRecording() error {
	if m.phase != Streaming {
		m.log.Error("Meeting WebSocket not connected")
		return ErrNotConnected
	}
	if m.capture != nil {
		m.log.Info("Already recording")
		return nil
	}

	err := m.openCapture(capture.Format{
		SampleRate:       audio.SampleRate,
		Channels:         audio.Channels,
		FramesPerBuffer:  audio.FramesPerBuffer,
		EchoCancellation: true,
		NoiseSuppression: true,
	})
	if err != nil {
		m.log.Error(captureError("Microphone error", err))
		return fmt.Errorf("failed to start recording: %w", err)
	}

	if m.recordDir != "" {
		recorder, err := audio.NewRecorder(m.recordDir, m.conn.ID, audio.SampleRate)
		if err != nil {
			m.log.Error(fmt.Sprintf("Failed to create recording file: %v", err))
		} else {
			m.recorder = recorder
		}
	}

	m.log.Success("Started recording PCM audio for meeting...")
	return nil
}

func (m *Meeting) stopRecording() {
	if !m.closeCapture() {
		return
	}

	if m.recorder != nil {
		path, long := m.recorder.Path(), m.recorder.Duration() >= audio.MinRecording
		if err := m.recorder.Close(); err != nil {
			m.log.Error(fmt.Sprintf("Failed to save recording: %v", err))
		} else if long {
			m.log.Info(fmt.Sprintf("Saved recording to %s", path))
		}
		m.recorder = nil
	}

	m.log.Info("Stopped meeting recording")
}

func (m *Meeting) shutdown() {
	m.stopRecording()
	if m.conn != nil {
		m.conn.Close()
	}
}
