package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/metrics"
	"github.com/bosley/voxprobe/playback"
)

// Channel selects which routing table a Router applies.
type Channel int

const (
	Meeting Channel = iota
	Enrollment
)

func (c Channel) String() string {
	if c == Enrollment {
		return "enrollment"
	}
	return "meeting"
}

// Player plays a clip in the background and calls done exactly once when it
// ends or fails.
type Player interface {
	Play(clip *playback.Clip, done func(error))
}

// Router routes inbound payloads for one channel. Dispatch must be called
// from a single goroutine.
type Router struct {
	Channel   Channel
	Log       *console.Log
	Responses *console.Responses
	Player    Player
	Metrics   *metrics.Metrics

	// OnComplete runs when the enrollment channel reports success.
	OnComplete func()

	// OnMessage sees every successfully parsed message before it is routed.
	OnMessage func(Message)
}

// Dispatch parses and routes one payload. It never fails: payloads that do
// not parse are logged as raw text.
func (r *Router) Dispatch(data []byte) {
	msg, err := Parse(data)
	if err != nil {
		r.Metrics.MessageMalformed(r.Channel.String())
		slog.Debug("Failed to parse inbound message", "channel", r.Channel, "error", err)
		if r.Channel == Enrollment {
			r.Log.WS(fmt.Sprintf("Received: %s", truncate(string(data), 50)))
		} else {
			r.Log.WS(fmt.Sprintf("Received (parse error): %s", truncate(string(data), 100)))
		}
		return
	}

	r.Metrics.MessageReceived(r.Channel.String(), metricLabel(msg))
	if r.OnMessage != nil {
		r.OnMessage(msg)
	}

	if r.Channel == Enrollment {
		r.routeEnrollment(msg)
		return
	}
	r.routeMeeting(msg)
}

func (r *Router) routeMeeting(msg Message) {
	switch m := msg.(type) {
	case *TTSAudio:
		if m.Audio == "" {
			r.Log.Error("TTS Audio message but no audio field")
			return
		}
		if m.IsAssistant() {
			r.Log.Success(fmt.Sprintf("AI Response: %s", m.Text))
			if r.Responses != nil {
				r.Responses.Record(m.Text, m.ProviderName)
			}
		}
		r.Log.Success(fmt.Sprintf("TTS Audio received (%d chars)", len(m.Audio)))
		r.play(m.Audio, "TTS Response")

	case *TTSSummary:
		if m.Audio == "" {
			r.Log.Error("TTS Summary message but no audio field")
			r.Log.Info(fmt.Sprintf("Message keys: %s", strings.Join(m.Keys, ", ")))
			return
		}
		r.Log.Success(fmt.Sprintf("TTS Summary audio received (%d chars)", len(m.Audio)))
		r.play(m.Audio, "Summary")

	case *Transcript:
		r.Log.WS(fmt.Sprintf("Transcript: %s: %s", m.Speaker, m.Text))

	case *SpeakerVerified:
		r.Log.WS(fmt.Sprintf("Speaker verified: %s", orUnknown(m.FirstName)))

	case *AttendanceMarked:
		r.Log.WS(fmt.Sprintf("Attendance: %s", orUnknown(m.FirstName)))

	case *FunctionCall:
		r.Log.WS(fmt.Sprintf("Function: %s", m.FunctionName))

	case *ErrorMessage:
		r.Log.Error(fmt.Sprintf("Backend error: %s", m.Message))

	default:
		r.Log.WS(fmt.Sprintf("[%s] %s", orUnknown(msg.Type()), truncate(string(msg.Raw()), 200)))
	}
}

func (r *Router) routeEnrollment(msg Message) {
	switch m := msg.(type) {
	case *EnrollmentComplete:
		r.Log.Success("Enrollment successful!")
		if r.OnComplete != nil {
			r.OnComplete()
		}

	case *ErrorMessage:
		r.Log.Error(fmt.Sprintf("Enrollment error: %s", m.Message))

	default:
		r.Log.WS(fmt.Sprintf("Enrollment: %s", string(msg.Raw())))
	}
}

// play decodes a base64 WAV payload and hands it to the player. The clip is
// released once playback ends or fails.
func (r *Router) play(payload, source string) {
	clip, err := playback.DecodeBase64(payload)
	if err != nil {
		r.Log.Error(fmt.Sprintf("Failed to play %s audio: %v", source, err))
		return
	}
	if r.Player == nil {
		clip.Release()
		r.Log.Error(fmt.Sprintf("Failed to play %s audio: %v", source, errNoPlayer))
		return
	}

	r.Metrics.ClipOpened()
	var playErr error
	clip.OnRelease(func() { r.Metrics.ClipReleased(playErr) })

	r.Log.Success(fmt.Sprintf("Playing %s audio...", source))
	r.Player.Play(clip, func(err error) {
		playErr = err
		if err != nil {
			r.Log.Error(fmt.Sprintf("%s audio playback error: %v", source, err))
		} else {
			r.Log.Info(fmt.Sprintf("%s audio finished", source))
		}
		clip.Release()
	})
}

var errNoPlayer = errors.New("no audio output configured")

// metricLabel bounds the type label to the known discriminants.
func metricLabel(msg Message) string {
	if _, ok := msg.(*Unrecognized); ok {
		return "unrecognized"
	}
	return msg.Type()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
