// Package app wires the console together: backend client, meeting and
// enrollment pipelines, status server, config hot reload and the command
// shell.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bosley/voxprobe/backend"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/config"
	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/dispatch"
	"github.com/bosley/voxprobe/metrics"
	"github.com/bosley/voxprobe/pipeline"
	voxserv "github.com/bosley/voxprobe/server"
)

type Options struct {
	Config *config.Config

	// ConfigPath enables hot reload when set.
	ConfigPath string
	EnvFile    string

	// Override is applied to every reloaded configuration, so settings given
	// on the command line survive a reload.
	Override func(*config.Config)

	Source     capture.Source
	Player     dispatch.Player
	HTTPClient *http.Client

	// Out receives the operator view: log lines and command output.
	Out    io.Writer
	Logger *slog.Logger

	// LogLevel, when set, follows the logging level of reloaded configs.
	LogLevel *slog.LevelVar
}

// Result is the outcome of the most recent run of one check.
type Result struct {
	Status string    `json:"status"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

type App struct {
	opts      Options
	out       io.Writer
	outMu     sync.Mutex
	log       *console.Log
	responses *console.Responses
	metrics   *metrics.Metrics

	cfgMu   sync.RWMutex
	cfg     *config.Config
	backend atomic.Pointer[backend.Client]

	meeting    *pipeline.Meeting
	enrollment *pipeline.Enrollment
	status     *voxserv.Server

	resultsMu sync.Mutex
	results   map[string]Result

	// Patient ID sent for the current meeting connection, 0 when none
	sentPatient atomic.Int64

	autoMu     sync.Mutex
	autoCancel context.CancelFunc

	// Pauses between the steps of the run-all suite
	suiteDelays [2]time.Duration

	wg sync.WaitGroup
}

func New(opts Options) *App {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	a := &App{
		opts:        opts,
		out:         out,
		cfg:         cfg,
		log:         console.NewLog(console.DefaultLogLimit, opts.Logger),
		responses:   console.NewResponses(console.DefaultResponseLimit),
		metrics:     metrics.New(),
		results:     make(map[string]Result),
		suiteDelays: [2]time.Duration{500 * time.Millisecond, time.Second},
	}
	a.backend.Store(a.newBackend(cfg))
	a.log.Subscribe(a.print)

	pcfg := pipeline.Config{
		Source:    opts.Source,
		Log:       a.log,
		Responses: a.responses,
		Player:    opts.Player,
		Metrics:   a.metrics,
	}
	meetingCfg := pcfg
	meetingCfg.URL = cfg.Backend.MeetingURL()
	meetingCfg.RecordDir = cfg.Audio.RecordDir
	meetingCfg.OnConnection = func(bool) { a.sentPatient.Store(0) }
	a.meeting = pipeline.NewMeeting(meetingCfg)

	enrollCfg := pcfg
	enrollCfg.URL = cfg.Backend.EnrollURL()
	a.enrollment = pipeline.NewEnrollment(enrollCfg)

	if cfg.Status.Address != "" {
		a.status = voxserv.New(voxserv.Config{
			Addr:       cfg.Status.Address,
			Log:        a.log,
			Responses:  a.responses,
			Meeting:    a.meeting,
			Enrollment: a.enrollment,
			Metrics:    a.metrics,
		})
	}

	return a
}

func (a *App) newBackend(cfg *config.Config) *backend.Client {
	opts := []backend.Option{backend.WithMetrics(a.metrics)}
	if a.opts.HTTPClient != nil {
		opts = append(opts, backend.WithHTTPClient(a.opts.HTTPClient))
	}
	return backend.New(cfg.Backend.URL, cfg.Backend.PythonURL, opts...)
}

func (a *App) Log() *console.Log                { return a.log }
func (a *App) Responses() *console.Responses    { return a.responses }
func (a *App) Metrics() *metrics.Metrics        { return a.metrics }
func (a *App) Meeting() *pipeline.Meeting       { return a.meeting }
func (a *App) Enrollment() *pipeline.Enrollment { return a.enrollment }

func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Start launches the pipelines and the optional status server, config
// watcher and auto refresh. Everything stops when ctx is cancelled; Wait
// blocks until it has.
func (a *App) Start(ctx context.Context) {
	a.goRun(func() { a.meeting.Run(ctx) })
	a.goRun(func() { a.enrollment.Run(ctx) })

	if a.status != nil {
		a.goRun(func() {
			if err := a.status.Start(ctx); err != nil {
				a.log.Error(fmt.Sprintf("Status server failed: %v", err))
			}
		})
	}

	if a.opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(a.opts.ConfigPath, a.opts.EnvFile, a.ApplyConfig)
		if err != nil {
			slog.Error("Failed to watch config file", "path", a.opts.ConfigPath, "error", err)
		} else {
			a.goRun(func() { watcher.Run(ctx) })
		}
	}

	if a.Config().Refresh.Enabled {
		a.SetAutoRefresh(ctx, true)
	}
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Wait blocks until everything Start launched has stopped. The pipelines
// close their connections and release capture on the way out.
func (a *App) Wait() {
	a.SetAutoRefresh(context.Background(), false)
	a.wg.Wait()
}

// Busy reports whether either pipeline still has a session running.
func (a *App) Busy() bool {
	return a.meeting.Status().Phase != pipeline.Idle.String() ||
		a.enrollment.Status().Phase != pipeline.Idle.String()
}

// ApplyConfig swaps in a reloaded configuration. The backend client is
// replaced at once; new WebSocket URLs apply to the next connection.
//
// The backend URLs, session values and log level of a reload take effect.
// A new refresh interval applies the next time auto refresh is turned on.
// The capture source, recording directory and status server keep their
// startup settings.
func (a *App) ApplyConfig(cfg *config.Config) {
	if a.opts.Override != nil {
		a.opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			a.log.Error(fmt.Sprintf("Ignoring reloaded configuration: %v", err))
			return
		}
	}

	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	a.backend.Store(a.newBackend(cfg))
	if a.opts.LogLevel != nil {
		a.opts.LogLevel.Set(cfg.Logging.SlogLevel())
	}
	a.meeting.SetURL(cfg.Backend.MeetingURL())
	a.enrollment.SetURL(cfg.Backend.EnrollURL())
	a.log.Info(fmt.Sprintf("Configuration reloaded (backend %s)", cfg.Backend.URL))
}

// SetAutoRefresh starts or stops the periodic health and Python checks.
func (a *App) SetAutoRefresh(ctx context.Context, enabled bool) {
	a.autoMu.Lock()
	defer a.autoMu.Unlock()

	if a.autoCancel != nil {
		a.autoCancel()
		a.autoCancel = nil
	}
	if !enabled {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.autoCancel = cancel
	interval := a.Config().RefreshInterval()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.checkHealth(ctx)
				a.checkPython(ctx)
			}
		}
	}()
}

func (a *App) AutoRefresh() bool {
	a.autoMu.Lock()
	defer a.autoMu.Unlock()
	return a.autoCancel != nil
}

func (a *App) setResult(name, status, detail string) {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()
	a.results[name] = Result{Status: status, Detail: detail, Time: time.Now()}
}

// Results returns the latest outcome of each check.
func (a *App) Results() map[string]Result {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()
	out := make(map[string]Result, len(a.results))
	for k, v := range a.results {
		out[k] = v
	}
	return out
}

var severityMarks = map[console.Severity]string{
	console.Info:    "INFO",
	console.Success: "OK",
	console.Error:   "ERR",
	console.WS:      "WS",
}

// print runs under the log's lock for every new entry.
func (a *App) print(entry console.Entry) {
	a.printf("[%s] %-4s %s\n", entry.Time.Format("15:04:05"), severityMarks[entry.Severity], entry.Message)
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
