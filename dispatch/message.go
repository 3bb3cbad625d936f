// Package dispatch parses the JSON events the backend pushes over the
// meeting and enrollment channels and routes them to their side effects.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

var ErrMalformedMessage = errors.New("malformed message")

// Discriminants sent by the backend in the "type" field.
const (
	TypeTTSAudio           = "tts_audio"
	TypeTTSSummary         = "tts_summary"
	TypeTranscript         = "transcript"
	TypeSpeakerVerified    = "speaker_verified"
	TypeAttendanceMarked   = "attendance_marked"
	TypeFunctionCall       = "function_call"
	TypeEnrollmentComplete = "enrollment_complete"
	TypeSuccess            = "success"
	TypeError              = "error"
)

// Message is one parsed inbound event. The concrete types below are the only
// implementations.
type Message interface {
	Type() string
	Raw() json.RawMessage
}

type envelope struct {
	raw     json.RawMessage
	msgType string
}

func (e envelope) Type() string         { return e.msgType }
func (e envelope) Raw() json.RawMessage { return e.raw }

// TTSAudio carries synthesized speech. A numeric ProviderID of 0 marks an
// assistant answer rather than a relayed clinician summary.
type TTSAudio struct {
	envelope
	Audio        string
	ProviderID   *float64
	ProviderName string
	Text         string
}

// IsAssistant reports whether the clip is an assistant answer.
func (m *TTSAudio) IsAssistant() bool {
	return m.ProviderID != nil && *m.ProviderID == 0
}

type TTSSummary struct {
	envelope
	Audio string
	Keys  []string
}

type Transcript struct {
	envelope
	Speaker string
	Text    string
}

type SpeakerVerified struct {
	envelope
	FirstName string
}

type AttendanceMarked struct {
	envelope
	FirstName string
}

type FunctionCall struct {
	envelope
	FunctionName string
}

// EnrollmentComplete covers both "enrollment_complete" and "success".
type EnrollmentComplete struct {
	envelope
}

type ErrorMessage struct {
	envelope
	Message string
}

type Unrecognized struct {
	envelope
}

// fields holds the top-level members of one payload. Every accessor is
// lenient: a member of an unexpected JSON type is rendered as text rather
// than failing the whole message.
type fields map[string]json.RawMessage

// text renders a member as a string. Strings are unquoted, null and missing
// members are empty, and any other value keeps its JSON text.
func (f fields) text(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	return renderText(raw)
}

// number returns a member only when it is a JSON number.
func (f fields) number(key string) *float64 {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	// null leaves n nil
	var n *float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	return n
}

func renderText(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return string(bytes.TrimSpace(raw))
	}
}

// Parse decodes one inbound payload. Only payloads that are not a JSON object
// fail, with ErrMalformedMessage. A known discriminant always yields its
// variant whatever its other members hold; unknown or missing discriminants
// yield *Unrecognized.
func Parse(data []byte) (Message, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedMessage)
	}

	msgType := f.text("type")
	env := envelope{raw: append(json.RawMessage(nil), data...), msgType: msgType}
	audio := f.text("audio")
	if audio == "" {
		audio = f.text("audioBase64")
	}

	switch msgType {
	case TypeTTSAudio:
		return &TTSAudio{
			envelope:     env,
			Audio:        audio,
			ProviderID:   f.number("providerId"),
			ProviderName: f.text("providerName"),
			Text:         f.text("text"),
		}, nil
	case TypeTTSSummary:
		return &TTSSummary{envelope: env, Audio: audio, Keys: slices.Sorted(maps.Keys(f))}, nil
	case TypeTranscript:
		return &Transcript{envelope: env, Speaker: f.text("speaker"), Text: f.text("text")}, nil
	case TypeSpeakerVerified:
		return &SpeakerVerified{envelope: env, FirstName: f.text("firstName")}, nil
	case TypeAttendanceMarked:
		return &AttendanceMarked{envelope: env, FirstName: f.text("firstName")}, nil
	case TypeFunctionCall:
		return &FunctionCall{envelope: env, FunctionName: f.text("functionName")}, nil
	case TypeEnrollmentComplete, TypeSuccess:
		return &EnrollmentComplete{envelope: env}, nil
	case TypeError:
		return &ErrorMessage{envelope: env, Message: f.text("message")}, nil
	default:
		return &Unrecognized{envelope: env}, nil
	}
}
