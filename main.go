package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bosley/voxprobe/app"
	"github.com/bosley/voxprobe/capture"
	"github.com/bosley/voxprobe/config"
	"github.com/bosley/voxprobe/playback"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (watched for changes)")
	envFile := flag.String("env", "", "Path to .env file (defaults to ./.env if present)")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	playFile := flag.String("play", "", "Play a WAV file and exit")
	inputFile := flag.String("input", "", "Stream this WAV file instead of the microphone")
	deviceID := flag.Int("device", -1, "Audio input device ID to use (-1 for the default)")
	recordDir := flag.String("record", "", "Archive meeting audio under this directory")
	statusAddr := flag.String("status", "", "Serve the status API on this address (host:port)")
	autoRefresh := flag.Bool("auto-refresh", false, "Run health checks every refresh interval")
	runCommand := flag.String("run", "", "Run one console command and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if *playFile != "" {
		speaker := &playback.Speaker{}
		if err := speaker.PlayFile(*playFile); err != nil {
			slog.Error("Failed to play audio file", "error", err)
			os.Exit(1)
		}
		return
	}

	if *listDevices {
		devices, err := capture.ListDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for _, device := range devices {
			fmt.Printf("[%d] %s\n", device.ID, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Flags given on the command line win over the file and the environment,
	// including after a reload
	override := func(cfg *config.Config) {
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "input":
				cfg.Audio.InputFile = *inputFile
			case "device":
				cfg.Audio.DeviceID = *deviceID
			case "record":
				cfg.Audio.RecordDir = *recordDir
			case "status":
				cfg.Status.Address = *statusAddr
			case "auto-refresh":
				cfg.Refresh.Enabled = *autoRefresh
			}
		})
	}
	override(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.LevelVar
	level.Set(cfg.Logging.SlogLevel())
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	var source capture.Source = &capture.Microphone{DeviceID: cfg.Audio.DeviceID}
	if cfg.Audio.InputFile != "" {
		slog.Info("Using WAV file as capture input", "path", cfg.Audio.InputFile)
		source = &capture.WAVFile{Path: cfg.Audio.InputFile}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	console := app.New(app.Options{
		Config:     cfg,
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		Override:   override,
		Source:     source,
		Player:     &playback.Speaker{},
		Out:        os.Stdout,
		Logger:     logger,
		LogLevel:   &level,
	})
	console.Start(ctx)

	if *runCommand != "" {
		err := console.Exec(ctx, *runCommand)
		if err != nil && !errors.Is(err, app.ErrQuit) {
			slog.Error("Command failed", "command", *runCommand, "error", err)
		} else if console.Busy() {
			// Keep an opened channel running until interrupted
			slog.Info("Session running, press Ctrl-C to exit")
			<-ctx.Done()
		}
	} else if err := console.Shell(ctx, os.Stdin); err != nil {
		slog.Error("Shell failed", "error", err)
	}

	slog.Debug("Shutting down")
	cancel()
	console.Wait()
}
