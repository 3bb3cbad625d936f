package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bosley/voxprobe/backend"
	"github.com/bosley/voxprobe/pipeline"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(a *App, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"health":    {"health", "check the backend /health endpoint", (*App).cmdHealth},
		"python":    {"python", "check the Python inference service", (*App).cmdPython},
		"tts":       {"tts [text]", "request TTS audio over the meeting channel", (*App).cmdTTS},
		"patient":   {"patient [id]", "send the patient context", (*App).cmdPatient},
		"meeting":   {"meeting connect|disconnect", "open or close /meeting", (*App).cmdMeeting},
		"record":    {"record start|stop", "toggle meeting audio capture", (*App).cmdRecord},
		"enroll":    {"enroll [userNum] | enroll stop", "run a speaker enrollment", (*App).cmdEnroll},
		"all":       {"all", "run health, meeting connect and python in sequence", (*App).cmdAll},
		"auto":      {"auto on|off", "toggle periodic health checks", (*App).cmdAuto},
		"logs":      {"logs", "print the retained log", (*App).cmdLogs},
		"responses": {"responses", "print recent AI responses", (*App).cmdResponses},
		"status":    {"status", "print pipeline and check status", (*App).cmdStatus},
		"help":      {"help", "list commands", (*App).cmdHelp},
		"quit":      {"quit", "close everything and exit", func(*App, context.Context, []string) error { return ErrQuit }},
	}
}

// Exec runs one command line. Unknown commands and bad arguments are
// returned as errors; failures of the checks themselves only reach the log.
func (a *App) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return cmd.run(a, ctx, fields[1:])
}

// Shell reads commands from in until quit, EOF or ctx is cancelled.
func (a *App) Shell(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	a.printf("voxprobe ready, type help for commands\n")
	for {
		a.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line := <-lines:
			err := a.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				a.printf("%v\n", err)
			}
		}
	}
}

func (a *App) cmdHealth(ctx context.Context, args []string) error {
	a.checkHealth(ctx)
	return nil
}

func (a *App) checkHealth(ctx context.Context) {
	a.log.Info("Testing health endpoint...")
	a.setResult("health", "running", "")

	status, err := a.backend.Load().Health(ctx)
	if err != nil {
		a.setResult("health", "error", err.Error())
		a.log.Error(fmt.Sprintf("Health check failed: %v", err))
		return
	}

	detail, _ := json.Marshal(status)
	a.setResult("health", "success", string(detail))
	a.log.Success("Health check passed")
	a.log.Info(string(detail))
}

func (a *App) cmdPython(ctx context.Context, args []string) error {
	a.checkPython(ctx)
	return nil
}

func (a *App) checkPython(ctx context.Context) {
	client := a.backend.Load()
	a.log.Info("Testing Python inference service...")
	a.setResult("python", "running", "")

	health, err := client.PythonHealth(ctx)
	if err != nil {
		a.setResult("python", "error", err.Error())
		a.log.Error(fmt.Sprintf("Python service error: %v", err))

		var nonJSON *backend.NonJSONError
		if errors.As(err, &nonJSON) {
			a.log.Info(fmt.Sprintf("Content-Type: %s", nonJSON.ContentType))
			a.log.Info(fmt.Sprintf("Response text (first 200 chars): %s", nonJSON.Snippet))
			return
		}
		var statusErr *backend.StatusError
		if !errors.As(err, &statusErr) {
			a.log.Info(fmt.Sprintf("This might be a network issue, check %s/health", client.PythonURL()))
		}
		return
	}

	a.setResult("python", "success", fmt.Sprintf("%s, %d profiles", health.Status, health.ProfilesLoaded))
	a.log.Success(fmt.Sprintf("Python service: %s", health.Status))
	a.log.Success(fmt.Sprintf("Loaded profiles: %d", health.ProfilesLoaded))
	if len(health.ProviderIDs) > 0 {
		ids := make([]string, len(health.ProviderIDs))
		for i, id := range health.ProviderIDs {
			ids[i] = fmt.Sprint(id)
		}
		a.log.Success(fmt.Sprintf("Provider IDs: %s", strings.Join(ids, ", ")))
	}
}

func (a *App) cmdTTS(ctx context.Context, args []string) error {
	session := a.Config().Session
	text := strings.Join(args, " ")
	if text == "" {
		text = session.TTSText
	}

	if !a.meeting.Connected() {
		a.setResult("tts", "error", "meeting not connected")
		a.log.Error("Meeting WebSocket not connected. Connect first to receive TTS audio!")
		return nil
	}

	a.log.Info("Sending TTS request (audio will arrive via Meeting WebSocket)...")
	a.setResult("tts", "running", "")
	resp, err := a.backend.Load().SendTTSSummary(ctx, backend.TTSSummaryRequest{
		Summary:      text,
		ProviderID:   session.ProviderID,
		ProviderName: session.ProviderName,
	})
	if err != nil {
		a.setResult("tts", "error", err.Error())
		a.log.Error(fmt.Sprintf("TTS API failed: %v", err))
		return nil
	}

	a.setResult("tts", "success", resp.Message)
	a.log.Success(fmt.Sprintf("TTS request sent: %s", resp.Message))
	a.log.Info("Waiting for audio via Meeting WebSocket...")
	return nil
}

func (a *App) cmdPatient(ctx context.Context, args []string) error {
	patientID := a.Config().Session.PatientID
	if len(args) > 0 {
		id, err := strconv.Atoi(args[0])
		if err != nil || id < 1 {
			return fmt.Errorf("usage: patient [id], got %q", args[0])
		}
		patientID = id
	}

	a.log.Info(fmt.Sprintf("Sending patient context via HTTP (patient %d)...", patientID))
	resp, err := a.backend.Load().SetPatientContext(ctx, patientID)
	if err != nil {
		a.setResult("patient", "error", err.Error())
		a.log.Error(fmt.Sprintf("Failed to send patient context: %v", err))
		return nil
	}

	a.sentPatient.Store(int64(patientID))
	a.setResult("patient", "success", resp.Message)
	a.log.Success(fmt.Sprintf("Patient context set: %s", resp.Message))
	return nil
}

func (a *App) cmdMeeting(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: meeting connect|disconnect")
	}
	switch args[0] {
	case "connect":
		return a.meeting.Connect(ctx)
	case "disconnect":
		a.sentPatient.Store(0)
		return a.meeting.Disconnect(ctx)
	default:
		return errors.New("usage: meeting connect|disconnect")
	}
}

func (a *App) cmdRecord(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: record start|stop")
	}
	var err error
	switch args[0] {
	case "start":
		err = a.meeting.StartRecording(ctx)
	case "stop":
		err = a.meeting.StopRecording(ctx)
	default:
		return errors.New("usage: record start|stop")
	}
	return stopped(err)
}

// stopped keeps only the errors the shell should see. Everything else the
// pipelines have already logged.
func stopped(err error) error {
	if errors.Is(err, pipeline.ErrStopped) {
		return err
	}
	return nil
}

func (a *App) cmdEnroll(ctx context.Context, args []string) error {
	if len(args) == 1 && args[0] == "stop" {
		return stopped(a.enrollment.Stop(ctx))
	}

	userNum := a.Config().Session.UserNum
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("usage: enroll [userNum] | enroll stop, got %q", args[0])
		}
		userNum = n
	}
	return stopped(a.enrollment.Start(ctx, userNum))
}

func (a *App) cmdAll(ctx context.Context, args []string) error {
	return a.RunAll(ctx)
}

// RunAll runs the health check, connects the meeting channel and checks the
// Python service, with short pauses in between.
func (a *App) RunAll(ctx context.Context) error {
	a.log.Info("Starting comprehensive test suite...")
	a.checkHealth(ctx)
	if err := sleep(ctx, a.suiteDelays[0]); err != nil {
		return err
	}
	if err := a.meeting.Connect(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, a.suiteDelays[1]); err != nil {
		return err
	}
	a.checkPython(ctx)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *App) cmdAuto(ctx context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errors.New("usage: auto on|off")
	}
	enabled := args[0] == "on"
	a.SetAutoRefresh(ctx, enabled)
	if enabled {
		a.log.Info(fmt.Sprintf("Auto refresh every %s", a.Config().RefreshInterval()))
	} else {
		a.log.Info("Auto refresh off")
	}
	return nil
}

func (a *App) cmdLogs(ctx context.Context, args []string) error {
	for _, entry := range a.log.Entries() {
		a.printf("[%s] %-4s %s\n", entry.Time.Format("15:04:05"), severityMarks[entry.Severity], entry.Message)
	}
	return nil
}

func (a *App) cmdResponses(ctx context.Context, args []string) error {
	items := a.responses.Items()
	if len(items) == 0 {
		a.printf("no AI responses yet\n")
		return nil
	}
	for _, r := range items {
		a.printf("[%s] %s: %s\n", r.Timestamp.Format("15:04:05"), r.ProviderName, r.Text)
	}
	return nil
}

func (a *App) cmdStatus(ctx context.Context, args []string) error {
	cfg := a.Config()
	meeting, enrollment := a.meeting.Status(), a.enrollment.Status()

	a.printf("backend     %s\n", cfg.Backend.URL)
	a.printf("python      %s\n", cfg.Backend.PythonURL)
	a.printf("meeting     %s (%s) capturing=%t\n", meeting.Phase, meeting.Connection, meeting.Capturing)
	a.printf("enrollment  %s (%s) capturing=%t\n", enrollment.Phase, enrollment.Connection, enrollment.Capturing)
	if id := a.sentPatient.Load(); id > 0 {
		a.printf("patient     %d sent\n", id)
	} else {
		a.printf("patient     %d not sent\n", cfg.Session.PatientID)
	}
	a.printf("auto        %t\n", a.AutoRefresh())

	results := a.Results()
	for _, name := range slices.Sorted(maps.Keys(results)) {
		r := results[name]
		a.printf("%-11s %s %s\n", name, r.Status, r.Detail)
	}
	return nil
}

func (a *App) cmdHelp(ctx context.Context, args []string) error {
	names := slices.Sorted(maps.Keys(commands))
	for _, name := range names {
		cmd := commands[name]
		a.printf("  %-32s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

// PatientSent returns the patient ID sent for the current meeting
// connection. ok is false when none has been sent since it opened.
func (a *App) PatientSent() (id int, ok bool) {
	id = int(a.sentPatient.Load())
	return id, id > 0
}
