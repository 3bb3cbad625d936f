package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bosley/voxprobe/audio"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/metrics"
	"github.com/bosley/voxprobe/playback"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeStream struct {
	format  capture.Format
	onFrame capture.FrameFunc
	closes  atomic.Int32
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeStream) emit(frame []float32) {
	if s.closes.Load() == 0 {
		s.onFrame(frame)
	}
}

type fakeSource struct {
	err    error
	opened chan *fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{opened: make(chan *fakeStream, 4)}
}

func (f *fakeSource) Open(format capture.Format, onFrame capture.FrameFunc) (capture.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{format: format, onFrame: onFrame}
	f.opened <- s
	return s, nil
}

func (f *fakeSource) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(waitFor):
		t.Fatal("capture was not opened")
		return nil
	}
}

type fakePlayer struct {
	mu    sync.Mutex
	clips []*playback.Clip
}

func (p *fakePlayer) Play(clip *playback.Clip, done func(error)) {
	p.mu.Lock()
	p.clips = append(p.clips, clip)
	p.mu.Unlock()
	done(nil)
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clips)
}

// frameLog is what the fake backend saw on one connection.
type frameLog struct {
	mu     sync.Mutex
	texts  []string
	binary [][]byte
	order  []string
	closed chan struct{}
}

func (f *frameLog) snapshot() (texts []string, binary [][]byte, order []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([][]byte(nil), f.binary...), append([]string(nil), f.order...)
}

// newBackend serves a WebSocket endpoint. onText runs for every text frame
// and may write replies.
func newBackend(t *testing.T, greeting []string, onText func(ws *websocket.Conn, msg string)) (string, *frameLog) {
	t.Helper()
	log := &frameLog{closed: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		defer once.Do(func() { close(log.closed) })

		for _, msg := range greeting {
			ws.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				log.mu.Lock()
				log.order = append(log.order, "close")
				log.mu.Unlock()
				return
			}
			log.mu.Lock()
			if mt == websocket.TextMessage {
				log.texts = append(log.texts, string(data))
				log.order = append(log.order, "text")
			} else {
				log.binary = append(log.binary, data)
				log.order = append(log.order, "binary")
			}
			log.mu.Unlock()
			if mt == websocket.TextMessage && onText != nil {
				onText(ws, string(data))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), log
}

type env struct {
	log       *console.Log
	responses *console.Responses
	player    *fakePlayer
	source    *fakeSource
}

func newEnv() *env {
	return &env{
		log:       console.NewLog(console.DefaultLogLimit, slog.New(slog.NewTextHandler(io.Discard, nil))),
		responses: console.NewResponses(console.DefaultResponseLimit),
		player:    &fakePlayer{},
		source:    newFakeSource(),
	}
}

func (e *env) config(url string) Config {
	return Config{
		URL:       url,
		Source:    e.source,
		Log:       e.log,
		Responses: e.responses,
		Player:    e.player,
		Metrics:   metrics.New(),
	}
}

func (e *env) logged(substr string) bool {
	for _, entry := range e.log.Entries() {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func startRun(t *testing.T, run func(context.Context)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func TestMeetingPlaysAssistantAudio(t *testing.T) {
	clip := base64.StdEncoding.EncodeToString([]byte("RIFF....WAVEfmt "))
	greeting := `{"type":"tts_audio","audio":"` + clip + `","providerId":0,"text":"hello"}`
	url, backend := newBackend(t, []string{greeting}, nil)

	e := newEnv()
	m := NewMeeting(e.config(url))
	startRun(t, m.Run)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	stream := e.source.next(t)
	assert.True(t, stream.format.EchoCancellation)
	assert.True(t, stream.format.NoiseSuppression)
	assert.Equal(t, audio.SampleRate, stream.format.SampleRate)

	require.Eventually(t, func() bool { return e.player.count() == 1 }, waitFor, 10*time.Millisecond)
	responses := e.responses.Items()
	require.Len(t, responses, 1)
	assert.Equal(t, "hello", responses[0].Text)
	assert.Equal(t, "AI Assistant", responses[0].ProviderName)

	require.Eventually(t, func() bool { return len(m.Recent()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "tts_audio", m.Recent()[0].Type)

	stream.emit([]float32{0, 1, -1, 2})
	require.Eventually(t, func() bool {
		_, binary, _ := backend.snapshot()
		return len(binary) == 1
	}, waitFor, 10*time.Millisecond)
	_, binary, _ := backend.snapshot()
	assert.Equal(t, []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0xff, 0x7f}, binary[0])

	status := m.Status()
	assert.Equal(t, "streaming", status.Phase)
	assert.Equal(t, "open", status.Connection)
	assert.True(t, status.Capturing)
	assert.True(t, m.Connected())

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, int32(1), stream.closes.Load())
	assert.Equal(t, "idle", m.Status().Phase)
	assert.False(t, m.Status().Capturing)
	assert.True(t, e.logged("Stopped meeting recording"))

	select {
	case <-backend.closed:
	case <-time.After(waitFor):
		t.Fatal("backend did not see the connection close")
	}
}

func TestMeetingConnectReusesOpenChannel(t *testing.T) {
	url, _ := newBackend(t, nil, nil)
	e := newEnv()
	m := NewMeeting(e.config(url))
	startRun(t, m.Run)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	e.source.next(t)
	first := m.Status().ConnectionID

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, first, m.Status().ConnectionID)
	assert.True(t, e.logged("Meeting WebSocket already connected"))
}

func TestMeetingRecordingToggle(t *testing.T) {
	url, _ := newBackend(t, nil, nil)
	e := newEnv()
	m := NewMeeting(e.config(url))
	startRun(t, m.Run)

	ctx := context.Background()
	assert.ErrorIs(t, m.StartRecording(ctx), ErrNotConnected)

	require.NoError(t, m.Connect(ctx))
	first := e.source.next(t)

	require.NoError(t, m.StopRecording(ctx))
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, "streaming", m.Status().Phase)
	assert.False(t, m.Status().Capturing)

	require.NoError(t, m.StartRecording(ctx))
	second := e.source.next(t)
	assert.True(t, m.Status().Capturing)

	require.NoError(t, m.StartRecording(ctx))
	assert.True(t, e.logged("Already recording"))

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, int32(1), second.closes.Load())
}

func TestMeetingRecordsToDisk(t *testing.T) {
	url, _ := newBackend(t, nil, nil)
	e := newEnv()
	cfg := e.config(url)
	cfg.RecordDir = t.TempDir()
	m := NewMeeting(cfg)
	startRun(t, m.Run)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	stream := e.source.next(t)

	block := make([]float32, audio.FramesPerBuffer)
	for i := 0; i < 5; i++ {
		stream.emit(block)
	}
	require.NoError(t, m.StopRecording(ctx))
	assert.True(t, e.logged("Saved recording to "+cfg.RecordDir))
}

func TestMeetingMicrophoneDenied(t *testing.T) {
	url, _ := newBackend(t, nil, nil)
	e := newEnv()
	e.source.err = capture.ErrPermissionDenied
	m := NewMeeting(e.config(url))
	startRun(t, m.Run)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return e.logged("Microphone access denied") }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "streaming", m.Status().Phase)
	assert.False(t, m.Status().Capturing)
}

func TestMeetingConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	e := newEnv()
	m := NewMeeting(e.config(url))
	startRun(t, m.Run)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return e.logged("Meeting WebSocket closed") && m.Status().Phase == "idle"
	}, waitFor, 10*time.Millisecond)
	assert.True(t, e.logged("Meeting WebSocket error"))
	assert.False(t, m.Connected())
	assert.Empty(t, m.Status().ConnectionID)
}

func TestEnrollmentConnectFailureReturnsToIdle(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	e := newEnv()
	en := NewEnrollment(e.config(url))
	startRun(t, en.Run)

	require.NoError(t, en.Start(context.Background(), 2))
	require.Eventually(t, func() bool {
		return e.logged("Enrollment WebSocket closed") && en.Status().Phase == "idle"
	}, waitFor, 10*time.Millisecond)
	assert.True(t, e.logged("Enrollment WebSocket error"))

	// A failed attempt leaves the pipeline free for the next one
	require.NoError(t, en.Start(context.Background(), 2))
}

func TestMeetingRemoteCloseStopsCapture(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hangUp := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-hangUp
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	e := newEnv()
	m := NewMeeting(e.config("ws" + strings.TrimPrefix(srv.URL, "http")))
	startRun(t, m.Run)

	require.NoError(t, m.Connect(context.Background()))
	stream := e.source.next(t)
	close(hangUp)

	require.Eventually(t, func() bool { return m.Status().Phase == "idle" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(1), stream.closes.Load())
	assert.True(t, e.logged("Meeting WebSocket closed"))
	assert.False(t, e.logged("Meeting WebSocket error"))
}

func TestSetURL(t *testing.T) {
	e := newEnv()
	m := NewMeeting(e.config("ws://127.0.0.1:1/meeting"))
	startRun(t, m.Run)

	m.SetURL("ws://127.0.0.1:2/meeting")
	require.Eventually(t, func() bool {
		return m.Status().URL == "ws://127.0.0.1:2/meeting"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "disconnected", m.Status().Connection)
}

func TestEnrollmentStopSendsOneStopBeforeClose(t *testing.T) {
	url, backend := newBackend(t, nil, nil)
	e := newEnv()
	en := NewEnrollment(e.config(url))
	startRun(t, en.Run)

	ctx := context.Background()
	require.NoError(t, en.Start(ctx, 3))
	stream := e.source.next(t)
	assert.False(t, stream.format.EchoCancellation)
	assert.False(t, stream.format.NoiseSuppression)

	stream.emit(make([]float32, 8))
	require.Eventually(t, func() bool {
		_, binary, _ := backend.snapshot()
		return len(binary) == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, en.Stop(ctx))
	assert.Equal(t, int32(1), stream.closes.Load())

	select {
	case <-backend.closed:
	case <-time.After(waitFor):
		t.Fatal("backend did not see the connection close")
	}

	texts, _, order := backend.snapshot()
	require.Len(t, texts, 2)
	var start, stop map[string]any
	require.NoError(t, json.Unmarshal([]byte(texts[0]), &start))
	require.NoError(t, json.Unmarshal([]byte(texts[1]), &stop))
	assert.Equal(t, map[string]any{"type": "start", "userNum": 3.0}, start)
	assert.Equal(t, map[string]any{"type": "stop"}, stop)
	assert.Equal(t, []string{"text", "binary", "text", "close"}, order)

	require.Eventually(t, func() bool { return en.Status().Phase == "idle" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(1), stream.closes.Load())

	// A second stop has nothing to do
	assert.ErrorIs(t, en.Stop(ctx), ErrNotConnected)
}

func TestEnrollmentCompletesOnSuccess(t *testing.T) {
	url, backend := newBackend(t, nil, func(ws *websocket.Conn, msg string) {
		if strings.Contains(msg, `"start"`) {
			ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"enrollment_complete"}`))
		}
	})
	e := newEnv()
	en := NewEnrollment(e.config(url))
	startRun(t, en.Run)

	require.NoError(t, en.Start(context.Background(), 1))
	stream := e.source.next(t)

	select {
	case <-backend.closed:
	case <-time.After(waitFor):
		t.Fatal("backend did not see the connection close")
	}
	require.Eventually(t, func() bool { return en.Status().Phase == "idle" }, waitFor, 10*time.Millisecond)

	texts, _, _ := backend.snapshot()
	require.Len(t, texts, 2)
	assert.JSONEq(t, `{"type":"stop"}`, texts[1])
	assert.Equal(t, int32(1), stream.closes.Load())
	assert.True(t, e.logged("Enrollment successful!"))
}

func TestEnrollmentRejectsSecondStart(t *testing.T) {
	url, _ := newBackend(t, nil, nil)
	e := newEnv()
	en := NewEnrollment(e.config(url))
	startRun(t, en.Run)

	ctx := context.Background()
	require.NoError(t, en.Start(ctx, 1))
	e.source.next(t)
	assert.ErrorIs(t, en.Start(ctx, 2), ErrBusy)
	require.NoError(t, en.Stop(ctx))
}

func TestEnrollmentMicFailureCompletes(t *testing.T) {
	url, backend := newBackend(t, nil, nil)
	e := newEnv()
	e.source.err = capture.ErrDeviceUnavailable
	en := NewEnrollment(e.config(url))
	startRun(t, en.Run)

	require.NoError(t, en.Start(context.Background(), 1))
	select {
	case <-backend.closed:
	case <-time.After(waitFor):
		t.Fatal("backend did not see the connection close")
	}
	require.Eventually(t, func() bool { return en.Status().Phase == "idle" }, waitFor, 10*time.Millisecond)
	texts, _, _ := backend.snapshot()
	assert.Equal(t, []string{`{"type":"start","userNum":1}`, `{"type":"stop"}`}, texts)
	assert.True(t, e.logged("Enrollment mic error"))
}

func TestShutdownReleasesCapture(t *testing.T) {
	url, backend := newBackend(t, nil, nil)
	e := newEnv()
	en := NewEnrollment(e.config(url))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		en.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, en.Start(ctx, 1))
	stream := e.source.next(t)
	cancel()
	<-stopped

	assert.Equal(t, int32(1), stream.closes.Load())
	assert.Equal(t, "idle", en.Status().Phase)
	assert.ErrorIs(t, en.Start(context.Background(), 1), ErrStopped)

	select {
	case <-backend.closed:
	case <-time.After(waitFor):
		t.Fatal("backend did not see the connection close")
	}
	texts, _, _ := backend.snapshot()
	assert.Equal(t, `{"type":"stop"}`, texts[len(texts)-1])
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "completing", Completing.String())
	assert.Equal(t, "phase(7)", Phase(7).String())
}
