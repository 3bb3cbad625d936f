package pipeline

import (
	"context"
	"fmt"

	"github.com/bosley/voxprobe/audio"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/dispatch"
)

type controlMessage struct {
	Type    string `json:"type"`
	UserNum int    `json:"userNum,omitempty"`
}

// Enrollment records one speaker sample over /enroll.
//
// Idle -> Connecting -> Streaming -> Completing -> Idle. Completion comes
// from the backend, from Stop, or from an error. It releases capture, sends
// a single stop message while the channel is still open, then closes.
type Enrollment struct {
	*core

	userNum int
}

func NewEnrollment(cfg Config) *Enrollment {
	e := &Enrollment{core: newCore(dispatch.Enrollment, cfg)}
	e.router.OnComplete = e.complete
	return e
}

// Run handles events until ctx is cancelled.
func (e *Enrollment) Run(ctx context.Context) {
	e.run(ctx, e.handle, e.shutdown)
}

// Start opens /enroll for userNum. It fails with ErrBusy while another
// enrollment is running.
func (e *Enrollment) Start(ctx context.Context, userNum int) error {
	return e.call(ctx, event{kind: evStart, num: userNum})
}

// Stop ends the running enrollment gracefully.
func (e *Enrollment) Stop(ctx context.Context) error {
	return e.call(ctx, event{kind: evStop})
}

func (e *Enrollment) handle(ev event) error {
	switch ev.kind {
	case evStart:
		return e.start(ev.num)

	case evStop:
		if e.phase != Connecting && e.phase != Streaming {
			e.log.Info("No enrollment in progress")
			return ErrNotConnected
		}
		e.complete()

	case evSetURL:
		e.url = ev.url

	case evOpen:
		if ev.conn != e.conn || e.phase != Connecting {
			return nil
		}
		e.open()

	case evMessage:
		if ev.conn != e.conn {
			return nil
		}
		e.router.Dispatch(ev.data)

	case evError:
		if ev.conn != e.conn {
			return nil
		}
		e.log.Error(fmt.Sprintf("Enrollment WebSocket error: %v", ev.err))
		e.complete()

	case evClose:
		if ev.conn != e.conn {
			return nil
		}
		e.log.Info("Enrollment WebSocket closed")
		e.finish()

	case evFrame:
		if !e.currentFrame(ev) {
			return nil
		}
		e.sendFrame(ev.frame)
	}
	return nil
}

func (e *Enrollment) start(userNum int) error {
	if e.phase != Idle {
		e.log.Error("Enrollment already in progress")
		return ErrBusy
	}
	if userNum < 1 {
		e.log.Error(fmt.Sprintf("Invalid user number: %d", userNum))
		return fmt.Errorf("invalid user number %d", userNum)
	}

	e.userNum = userNum
	e.log.Info(fmt.Sprintf("Starting enrollment for User %d...", userNum))
	e.dial()
	return nil
}

func (e *Enrollment) open() {
	e.log.Success("Connected to /enroll")
	e.phase = Streaming

	e.conn.SendJSON(controlMessage{Type: "start", UserNum: e.userNum})
	e.log.Info(fmt.Sprintf("Sent enrollment start (userNum=%d)", e.userNum))

	// Enrollment wants the raw voice, so no echo or noise processing
	err := e.openCapture(capture.Format{
		SampleRate:      audio.SampleRate,
		Channels:        audio.Channels,
		FramesPerBuffer: audio.FramesPerBuffer,
	})
	if err != nil {
		e.log.Error(captureError("Enrollment mic error", err))
		e.complete()
		return
	}
	e.log.Success("Recording PCM audio for enrollment...")
}

// complete releases capture, sends the stop message and closes the channel.
// It runs at most once per enrollment.
func (e *Enrollment) complete() {
	if e.phase != Connecting && e.phase != Streaming {
		return
	}
	e.phase = Completing

	e.closeCapture()
	e.conn.SendJSON(controlMessage{Type: "stop"})
	e.conn.Close()
	e.log.Info("Enrollment stopped")
}

func (e *Enrollment) finish() {
	e.closeCapture()
	e.conn = nil
	e.phase = Idle
}

func (e *Enrollment) shutdown() {
	e.complete()
}
