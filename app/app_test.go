package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/config"
	"github.com/bosley/voxprobe/playback"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type nopStream struct{}

func (nopStream) Close() error { return nil }

type nopSource struct{}

func (nopSource) Open(capture.Format, capture.FrameFunc) (capture.Stream, error) {
	return nopStream{}, nil
}

type countingPlayer struct {
	mu    sync.Mutex
	plays int
}

func (p *countingPlayer) Play(clip *playback.Clip, done func(error)) {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()
	done(nil)
}

func (p *countingPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

// fakeBackend serves the HTTP API and the /meeting and /enroll channels.
// A TTS request is answered on the open meeting channel with an assistant
// clip carrying the requested summary as its text.
type fakeBackend struct {
	mu      sync.Mutex
	meeting *websocket.Conn
	tts     []map[string]any
	patient []int
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{}
	upgrader := websocket.Upgrader{}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	router.HandleFunc("/api/meeting/patient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PatientID int `json:"patientId"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fb.mu.Lock()
		fb.patient = append(fb.patient, body.PatientID)
		fb.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"Patient context updated"}`))
	}).Methods("POST")
	router.HandleFunc("/api/tts/summary", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		fb.mu.Lock()
		fb.tts = append(fb.tts, body)
		ws := fb.meeting
		fb.mu.Unlock()

		if ws != nil {
			msg, _ := json.Marshal(map[string]any{
				"type":       "tts_audio",
				"audio":      base64.StdEncoding.EncodeToString([]byte("RIFF")),
				"providerId": 0,
				"text":       body["summary"],
			})
			ws.WriteMessage(websocket.TextMessage, msg)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"TTS generated"}`))
	}).Methods("POST")
	router.HandleFunc("/meeting", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.meeting = ws
		fb.mu.Unlock()
		defer func() {
			fb.mu.Lock()
			fb.meeting = nil
			fb.mu.Unlock()
			ws.Close()
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	router.HandleFunc("/enroll", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return fb, srv
}

func newPythonServer(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testApp struct {
	*App
	out    *syncBuffer
	player *countingPlayer
	fb     *fakeBackend
}

func newTestApp(t *testing.T, python *httptest.Server) *testApp {
	t.Helper()
	fb, srv := newFakeBackend(t)

	cfg := config.Default()
	cfg.Backend.URL = srv.URL
	cfg.Backend.PythonURL = python.URL

	out := &syncBuffer{}
	player := &countingPlayer{}
	a := New(Options{
		Config: cfg,
		Source: nopSource{},
		Player: player,
		Out:    out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	a.suiteDelays = [2]time.Duration{}

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.Wait()
	})
	return &testApp{App: a, out: out, player: player, fb: fb}
}

func (ta *testApp) logged(substr string) bool {
	for _, entry := range ta.log.Entries() {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func jsonPython(t *testing.T) *httptest.Server {
	return newPythonServer(t, "application/json", `{"status":"ok","profiles_loaded":2,"provider_ids":[1,7]}`)
}

func TestHealthCommand(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	require.NoError(t, ta.Exec(context.Background(), "health"))

	assert.True(t, ta.logged("Health check passed"))
	assert.Equal(t, "success", ta.Results()["health"].Status)
	assert.Contains(t, ta.out.String(), "OK   Health check passed")
}

func TestPythonCommand(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	require.NoError(t, ta.Exec(context.Background(), "python"))

	assert.True(t, ta.logged("Python service: ok"))
	assert.True(t, ta.logged("Loaded profiles: 2"))
	assert.True(t, ta.logged("Provider IDs: 1, 7"))
}

func TestPythonNonJSON(t *testing.T) {
	ta := newTestApp(t, newPythonServer(t, "text/html", "<html>ngrok warning</html>"))
	require.NoError(t, ta.Exec(context.Background(), "python"))

	assert.True(t, ta.logged("Python service error"))
	assert.True(t, ta.logged("Content-Type: text/html"))
	assert.True(t, ta.logged("Response text (first 200 chars): <html>ngrok warning</html>"))
	assert.Equal(t, "error", ta.Results()["python"].Status)
}

func TestTTSRequiresMeeting(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	require.NoError(t, ta.Exec(context.Background(), "tts hello"))

	assert.True(t, ta.logged("Meeting WebSocket not connected"))
	ta.fb.mu.Lock()
	assert.Empty(t, ta.fb.tts)
	ta.fb.mu.Unlock()
}

func TestTTSRoundTrip(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	ctx := context.Background()

	require.NoError(t, ta.Exec(ctx, "meeting connect"))
	require.Eventually(t, ta.meeting.Connected, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ta.fb.mu.Lock()
		defer ta.fb.mu.Unlock()
		return ta.fb.meeting != nil
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, ta.Exec(ctx, "tts the patient is improving"))
	require.Eventually(t, func() bool { return ta.player.count() == 1 }, waitFor, 10*time.Millisecond)

	responses := ta.responses.Items()
	require.Len(t, responses, 1)
	assert.Equal(t, "the patient is improving", responses[0].Text)

	ta.fb.mu.Lock()
	require.Len(t, ta.fb.tts, 1)
	assert.Equal(t, "Dr. Test", ta.fb.tts[0]["providerName"])
	assert.Equal(t, 1.0, ta.fb.tts[0]["providerId"])
	ta.fb.mu.Unlock()

	require.NoError(t, ta.Exec(ctx, "responses"))
	assert.Contains(t, ta.out.String(), "AI Assistant: the patient is improving")

	require.NoError(t, ta.Exec(ctx, "meeting disconnect"))
	assert.False(t, ta.meeting.Connected())
}

func TestPatientCommand(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	ctx := context.Background()

	require.NoError(t, ta.Exec(ctx, "patient"))
	require.NoError(t, ta.Exec(ctx, "patient 42"))
	id, ok := ta.PatientSent()
	assert.True(t, ok)
	assert.Equal(t, 42, id)
	assert.True(t, ta.logged("Patient context set: Patient context updated"))

	ta.fb.mu.Lock()
	assert.Equal(t, []int{3103, 42}, ta.fb.patient)
	ta.fb.mu.Unlock()

	assert.Error(t, ta.Exec(ctx, "patient abc"))

	require.NoError(t, ta.Exec(ctx, "status"))
	assert.Contains(t, ta.out.String(), "patient     42 sent")

	require.NoError(t, ta.Exec(ctx, "meeting disconnect"))
	_, ok = ta.PatientSent()
	assert.False(t, ok)
}

func TestPatientSentResetsWithMeetingConnection(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	ctx := context.Background()
	sent := func() bool {
		_, ok := ta.PatientSent()
		return ok
	}

	require.NoError(t, ta.Exec(ctx, "patient 7"))
	require.True(t, sent())

	// A fresh connection starts without patient context
	require.NoError(t, ta.Exec(ctx, "meeting connect"))
	require.Eventually(t, func() bool { return ta.meeting.Connected() && !sent() }, waitFor, 10*time.Millisecond)

	require.NoError(t, ta.Exec(ctx, "patient 7"))
	require.True(t, sent())
	require.Eventually(t, func() bool {
		ta.fb.mu.Lock()
		defer ta.fb.mu.Unlock()
		return ta.fb.meeting != nil
	}, waitFor, 10*time.Millisecond)

	// The backend hanging up clears it too
	ta.fb.mu.Lock()
	ta.fb.meeting.Close()
	ta.fb.mu.Unlock()
	require.Eventually(t, func() bool { return !sent() && !ta.meeting.Connected() }, waitFor, 10*time.Millisecond)

	require.NoError(t, ta.Exec(ctx, "status"))
	assert.Contains(t, ta.out.String(), "patient     3103 not sent")
}

func TestRunAll(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	require.NoError(t, ta.Exec(context.Background(), "all"))

	assert.True(t, ta.logged("Starting comprehensive test suite..."))
	assert.True(t, ta.logged("Health check passed"))
	assert.True(t, ta.logged("Connecting to /meeting WebSocket..."))
	assert.True(t, ta.logged("Python service: ok"))
	require.Eventually(t, ta.meeting.Connected, waitFor, 10*time.Millisecond)
	assert.True(t, ta.Busy())
}

func TestEnrollCommands(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	ctx := context.Background()

	require.NoError(t, ta.Exec(ctx, "enroll 2"))
	require.Eventually(t, func() bool { return ta.logged("Sent enrollment start (userNum=2)") }, waitFor, 10*time.Millisecond)
	require.NoError(t, ta.Exec(ctx, "enroll stop"))
	require.Eventually(t, func() bool { return !ta.Busy() }, waitFor, 10*time.Millisecond)

	assert.Error(t, ta.Exec(ctx, "enroll zero"))
}

func TestAutoRefresh(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	ctx := context.Background()

	require.NoError(t, ta.Exec(ctx, "auto on"))
	assert.True(t, ta.AutoRefresh())
	require.NoError(t, ta.Exec(ctx, "auto off"))
	assert.False(t, ta.AutoRefresh())
	assert.Error(t, ta.Exec(ctx, "auto maybe"))
}

func TestApplyConfig(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))

	cfg := config.Default()
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.Backend.PythonURL = ta.Config().Backend.PythonURL
	ta.ApplyConfig(cfg)

	require.NoError(t, ta.Exec(context.Background(), "health"))
	assert.True(t, ta.logged("Health check failed"))
	require.Eventually(t, func() bool {
		return ta.meeting.Status().URL == "ws://127.0.0.1:1/meeting"
	}, waitFor, 10*time.Millisecond)
}

func TestApplyConfigKeepsOverrides(t *testing.T) {
	var level slog.LevelVar
	a := New(Options{
		Config: config.Default(),
		Source: nopSource{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Override: func(cfg *config.Config) {
			cfg.Session.PatientID = 42
			cfg.Audio.RecordDir = "/tmp/recordings"
		},
		LogLevel: &level,
	})

	reloaded := config.Default()
	reloaded.Logging.Level = "warn"
	a.ApplyConfig(reloaded)

	assert.Equal(t, 42, a.Config().Session.PatientID)
	assert.Equal(t, "/tmp/recordings", a.Config().Audio.RecordDir)
	assert.Equal(t, slog.LevelWarn, level.Level())

	// An override that makes the reload invalid keeps the previous config
	b := New(Options{
		Config:   config.Default(),
		Source:   nopSource{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Override: func(cfg *config.Config) { cfg.Session.UserNum = 0 },
	})
	b.ApplyConfig(config.Default())
	assert.Equal(t, 1, b.Config().Session.UserNum)
	assert.Contains(t, b.log.Entries()[len(b.log.Entries())-1].Message, "Ignoring reloaded configuration")
}

func TestUnknownCommand(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	assert.ErrorContains(t, ta.Exec(context.Background(), "dance"), `unknown command "dance"`)
	assert.NoError(t, ta.Exec(context.Background(), "   "))
	assert.ErrorIs(t, ta.Exec(context.Background(), "quit"), ErrQuit)
}

func TestShell(t *testing.T) {
	ta := newTestApp(t, jsonPython(t))
	in := strings.NewReader("help\nstatus\nbogus\nquit\nhealth\n")
	require.NoError(t, ta.Shell(context.Background(), in))

	out := ta.out.String()
	assert.Contains(t, out, "meeting connect|disconnect")
	assert.Contains(t, out, "meeting     idle (disconnected)")
	assert.Contains(t, out, `unknown command "bogus"`)
	assert.False(t, ta.logged("Testing health endpoint"))
}
