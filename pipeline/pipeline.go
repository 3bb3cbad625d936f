// Package pipeline runs the meeting and enrollment sessions. Each pipeline
// owns its capture stream and its connection, and handles every public
// command, transport callback and audio block as an event on a single loop
// goroutine, so its state is never touched concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/voxprobe/audio"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/dispatch"
	"github.com/bosley/voxprobe/metrics"
	"github.com/bosley/voxprobe/transport"
)

const (
	RecentLimit = 20

	// How long shutdown waits for an open connection to finish closing
	shutdownWait = 2 * time.Second

	eventBuffer = 64
)

var (
	ErrStopped      = errors.New("pipeline stopped")
	ErrNotConnected = errors.New("not connected")
	ErrBusy         = errors.New("already in progress")
)

type Phase int

const (
	Idle Phase = iota
	Connecting
	Streaming
	Completing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Completing:
		return "completing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config is shared by both pipelines.
type Config struct {
	URL       string
	Source    capture.Source
	Log       *console.Log
	Responses *console.Responses
	Player    dispatch.Player
	Metrics   *metrics.Metrics

	// RecordDir, when set, archives meeting audio as WAV files.
	RecordDir string

	// OnConnection runs on the loop goroutine when the meeting channel opens
	// (true) and when it closes or is dropped (false). It must not block.
	OnConnection func(open bool)

	ConnOptions []transport.Option
}

// Status is a point-in-time view of a pipeline, safe to read from any
// goroutine.
type Status struct {
	Phase        string `json:"phase"`
	Connection   string `json:"connection"`
	ConnectionID string `json:"connectionId,omitempty"`
	URL          string `json:"url"`
	Capturing    bool   `json:"capturing"`
}

// RecentMessage summarizes one parsed inbound message.
type RecentMessage struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Summary string    `json:"summary"`
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evStartRecording
	evStopRecording
	evStart
	evStop
	evSetURL
	evOpen
	evMessage
	evError
	evClose
	evFrame
)

type event struct {
	kind  eventKind
	conn  *transport.Conn
	data  []byte
	err   error
	frame []float32
	gen   int
	num   int
	url   string
	reply chan error
}

// core is the machinery both pipelines share. Fields below the divider are
// owned by the loop goroutine.
type core struct {
	channel dispatch.Channel
	source  capture.Source
	log     *console.Log
	metrics *metrics.Metrics
	router  *dispatch.Router
	recent  *console.Ring[RecentMessage]
	opts    []transport.Option

	events chan event
	quit   chan struct{}

	statusMu sync.RWMutex
	status   Status
	live     *transport.Conn

	// loop-owned
	ctx     context.Context
	url     string
	phase   Phase
	conn    *transport.Conn
	capture *captureSession
	gen     int
	meter   *audio.Meter
}

func newCore(channel dispatch.Channel, cfg Config) *core {
	c := &core{
		channel: channel,
		source:  cfg.Source,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		recent:  console.NewRing[RecentMessage](RecentLimit),
		opts:    cfg.ConnOptions,
		events:  make(chan event, eventBuffer),
		quit:    make(chan struct{}),
		url:     cfg.URL,
	}
	c.router = &dispatch.Router{
		Channel:   channel,
		Log:       cfg.Log,
		Responses: cfg.Responses,
		Player:    cfg.Player,
		Metrics:   cfg.Metrics,
		OnMessage: c.remember,
	}
	c.publish()
	return c
}

// run processes events until ctx is cancelled, then calls shutdown and waits
// briefly for the last connection to close. A command's reply is sent after
// the status it produced has been published.
func (c *core) run(ctx context.Context, handle func(event) error, shutdown func()) {
	c.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			close(c.quit)
			conn := c.conn
			shutdown()
			if conn != nil {
				select {
				case <-conn.Done():
				case <-time.After(shutdownWait):
					slog.Warn("Connection did not close in time", "channel", c.channel, "connectionID", conn.ID)
				}
			}
			c.phase = Idle
			c.conn = nil
			c.publish()
			return

		case ev := <-c.events:
			err := handle(ev)
			c.publish()
			if ev.reply != nil {
				ev.reply <- err
			}
		}
	}
}

// post queues an event for the loop. It gives up once the loop has exited.
func (c *core) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// call posts ev and waits for the loop to handle it.
func (c *core) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial creates and starts a connection whose callbacks come back as events.
func (c *core) dial() *transport.Conn {
	var conn *transport.Conn
	handler := transport.Handler{
		OnOpen: func() {
			c.post(event{kind: evOpen, conn: conn})
		},
		OnMessage: func(data []byte) {
			c.post(event{kind: evMessage, conn: conn, data: data})
		},
		OnError: func(err error) {
			c.post(event{kind: evError, conn: conn, err: err})
		},
		OnClose: func() {
			c.post(event{kind: evClose, conn: conn})
		},
	}

	channel := c.channel.String()
	opts := append([]transport.Option{
		transport.WithStateHook(func(s transport.State) {
			c.metrics.ConnectionChanged(channel, int(s))
		}),
	}, c.opts...)
	conn = transport.New(c.url, handler, opts...)

	c.metrics.ConnectionAttempt(channel)
	c.conn = conn
	c.phase = Connecting

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.Connect(ctx); err != nil {
		// A fresh Conn always accepts its first Connect
		slog.Error("Failed to start connection", "channel", c.channel, "error", err)
	}
	return conn
}

// remember keeps a summary of every parsed message for the status API.
func (c *core) remember(msg dispatch.Message) {
	raw := string(msg.Raw())
	if len(raw) > 200 {
		raw = raw[:200]
	}
	c.recent.Add(RecentMessage{Time: time.Now(), Type: msg.Type(), Summary: raw})
}

func (c *core) publish() {
	s := Status{
		Phase:     c.phase.String(),
		URL:       c.url,
		Capturing: c.capture != nil,
	}
	if c.conn != nil {
		s.ConnectionID = c.conn.ID.String()
	}

	c.statusMu.Lock()
	c.status = s
	c.live = c.conn
	c.statusMu.Unlock()
}

// Status returns the latest published status.
func (c *core) Status() Status {
	c.statusMu.RLock()
	s, live := c.status, c.live
	c.statusMu.RUnlock()

	s.Connection = transport.Disconnected.String()
	if live != nil {
		s.Connection = live.State().String()
	}
	return s
}

// Connected reports whether the pipeline's connection is open.
func (c *core) Connected() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.live != nil && c.live.State() == transport.Open
}

// Recent returns the latest parsed messages, oldest first.
func (c *core) Recent() []RecentMessage {
	return c.recent.Items()
}

// SetURL changes the endpoint used by the next connection.
func (c *core) SetURL(url string) {
	c.post(event{kind: evSetURL, url: url})
}

// captureSession is one open capture stream. Its frames reach the loop as
// evFrame events tagged with gen so frames from an older stream are ignored.
type captureSession struct {
	gen    int
	stream capture.Stream
	stop   chan struct{}
}

func (c *core) openCapture(format capture.Format) error {
	if c.source == nil {
		return fmt.Errorf("%w: no capture source configured", capture.ErrDeviceUnavailable)
	}

	c.gen++
	gen := c.gen
	stop := make(chan struct{})
	stream, err := c.source.Open(format, func(frame []float32) {
		buf := append([]float32(nil), frame...)
		select {
		case c.events <- event{kind: evFrame, frame: buf, gen: gen}:
		case <-stop:
		case <-c.quit:
		}
	})
	if err != nil {
		close(stop)
		return err
	}

	c.capture = &captureSession{gen: gen, stream: stream, stop: stop}
	c.meter = audio.NewMeter()
	return nil
}

// closeCapture releases the capture stream, if any. It reports whether there
// was one.
func (c *core) closeCapture() bool {
	if c.capture == nil {
		return false
	}
	session := c.capture
	c.capture = nil

	// Unblock a callback that is waiting on the loop before the stream
	// waits for that callback to return.
	close(session.stop)
	if err := session.stream.Close(); err != nil {
		slog.Error("Failed to close capture stream", "channel", c.channel, "error", err)
	}
	return true
}

// currentFrame reports whether ev belongs to the live capture stream.
func (c *core) currentFrame(ev event) bool {
	return c.capture != nil && ev.gen == c.capture.gen
}

// sendFrame encodes one block and sends it. It returns the encoded bytes.
func (c *core) sendFrame(frame []float32) []byte {
	samples := audio.Encode(frame)
	pcm := audio.PCM16Bytes(samples)
	channel := c.channel.String()
	if c.conn != nil && c.conn.SendBinary(pcm) {
		c.metrics.FrameSent(channel, len(pcm))
	} else {
		c.metrics.FrameDropped(channel)
	}

	amplitude, background := c.meter.Observe(samples)
	c.metrics.InputLevelObserved(channel, amplitude)
	if c.meter.Blocks()%10 == 0 {
		slog.Debug("Audio blocks sent",
			"channel", c.channel,
			"blocks", c.meter.Blocks(),
			"amplitude", amplitude,
			"backgroundNoise", background)
	}
	return pcm
}

func captureError(prefix string, err error) string {
	if errors.Is(err, capture.ErrPermissionDenied) {
		return fmt.Sprintf("Microphone access denied: %v", err)
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}
