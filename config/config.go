// Package config loads the console configuration from YAML, a .env file and
// VOXPROBE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvFile is read when no env file is named.
const DefaultEnvFile = ".env"

// Config represents the complete console configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Status  StatusConfig  `yaml:"status"`
	Refresh RefreshConfig `yaml:"refresh"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig locates the voice backend and the Python inference service
type BackendConfig struct {
	URL       string `yaml:"url"`
	WSURL     string `yaml:"ws_url"` // derived from url when empty
	PythonURL string `yaml:"python_url"`
}

// SessionConfig holds the identities sent with test requests
type SessionConfig struct {
	PatientID    int    `yaml:"patient_id"`
	UserNum      int    `yaml:"user_num"`
	ProviderID   int    `yaml:"provider_id"`
	ProviderName string `yaml:"provider_name"`
	TTSText      string `yaml:"tts_text"`
}

// AudioConfig selects capture input and optional recording
type AudioConfig struct {
	DeviceID  int    `yaml:"device_id"` // -1 selects the default input
	InputFile string `yaml:"input_file"`
	RecordDir string `yaml:"record_dir"`
}

// StatusConfig controls the local status API
type StatusConfig struct {
	Address string `yaml:"address"` // empty disables the server
}

// RefreshConfig controls periodic health checks
type RefreshConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:       "https://ai-speech-demo-hhhma9dyakhzh0e6.westus2-01.azurewebsites.net",
			PythonURL: "https://ai-python-backend-cqdpf4f7a7h0d3en.westus2-01.azurewebsites.net",
		},
		Session: SessionConfig{
			PatientID:    3103,
			UserNum:      1,
			ProviderID:   1,
			ProviderName: "Dr. Test",
			TTSText:      "Patient shows good progress. Recommended massage therapy and continue current treatment plan.",
		},
		Audio: AudioConfig{
			DeviceID: -1,
		},
		Refresh: RefreshConfig{
			Interval: 10,
		},
		Logging: LoggingConfig{
			Level: "debug",
		},
	}
}

// Load reads the configuration file over the defaults, applies the
// environment and validates the result. An empty path skips the file.
//
// The .env file is read afresh on every call and never copied into the
// process environment, so edits to it apply on reload. Non-empty variables
// in the process environment win over the file.
func Load(path, envFile string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	getenv := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := config.ApplyEnv(getenv); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// readEnvFile parses a .env file. A missing default file is not an error; a
// missing explicit one is.
func readEnvFile(envFile string) (map[string]string, error) {
	if envFile == "" {
		vars, err := godotenv.Read(DefaultEnvFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", DefaultEnvFile, err)
		}
		return vars, nil
	}

	vars, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	slog.Debug("Read env file", "path", envFile, "vars", len(vars))
	return vars, nil
}

// ApplyEnv overrides fields from VOXPROBE_* variables looked up through
// getenv. Unset or empty variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"VOXPROBE_BACKEND_URL":   &c.Backend.URL,
		"VOXPROBE_WS_URL":        &c.Backend.WSURL,
		"VOXPROBE_PYTHON_URL":    &c.Backend.PythonURL,
		"VOXPROBE_PROVIDER_NAME": &c.Session.ProviderName,
		"VOXPROBE_INPUT_FILE":    &c.Audio.InputFile,
		"VOXPROBE_RECORD_DIR":    &c.Audio.RecordDir,
		"VOXPROBE_STATUS_ADDR":   &c.Status.Address,
		"VOXPROBE_LOG_LEVEL":     &c.Logging.Level,
	}
	for key, field := range strs {
		if v := getenv(key); v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"VOXPROBE_PATIENT_ID":       &c.Session.PatientID,
		"VOXPROBE_USER_NUM":         &c.Session.UserNum,
		"VOXPROBE_PROVIDER_ID":      &c.Session.ProviderID,
		"VOXPROBE_DEVICE_ID":        &c.Audio.DeviceID,
		"VOXPROBE_REFRESH_INTERVAL": &c.Refresh.Interval,
	}
	for key, field := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		*field = n
	}

	if v := getenv("VOXPROBE_AUTO_REFRESH"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VOXPROBE_AUTO_REFRESH must be a boolean, got %q", v)
		}
		c.Refresh.Enabled = enabled
	}

	return nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if err := validateURL("url", b.URL, "http", "https"); err != nil {
		return err
	}
	if b.WSURL != "" {
		if err := validateURL("ws_url", b.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if err := validateURL("python_url", b.PythonURL, "http", "https"); err != nil {
		return err
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.PatientID < 1 {
		return fmt.Errorf("patient_id must be positive, got %d", s.PatientID)
	}

	if s.UserNum < 1 {
		return fmt.Errorf("user_num must be positive, got %d", s.UserNum)
	}

	if s.ProviderName == "" {
		return fmt.Errorf("provider_name cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.DeviceID < -1 {
		return fmt.Errorf("device_id must be -1 or a device index, got %d", a.DeviceID)
	}
	return nil
}

// Validate validates refresh configuration
func (r *RefreshConfig) Validate() error {
	if r.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", r.Interval)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return fmt.Errorf("invalid level %q", l.Level)
	}
	return nil
}

// SlogLevel returns the configured level, which Validate has already checked.
func (l *LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelDebug
	}
	return level
}

// RefreshInterval returns the auto refresh period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.Interval) * time.Second
}

// WebSocketBase returns ws_url, or the http url with its scheme swapped.
func (b *BackendConfig) WebSocketBase() string {
	if b.WSURL != "" {
		return strings.TrimRight(b.WSURL, "/")
	}
	base := strings.TrimRight(b.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (b *BackendConfig) MeetingURL() string {
	return b.WebSocketBase() + "/meeting"
}

func (b *BackendConfig) EnrollURL() string {
	return b.WebSocketBase() + "/enroll"
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", field, strings.Join(schemes, "/"), raw)
}
