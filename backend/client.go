// Package backend talks to the voice backend's HTTP API and to the Python
// inference service behind it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/bosley/voxprobe/metrics"
)

const (
	userAgent       = "VoiceBackendTester/1.0"
	maxSnippet      = 200
	maxErrorBody    = 1 << 10
	endpointHealth  = "health"
	endpointTTS     = "tts_summary"
	endpointPatient = "meeting_patient"
	endpointPython  = "python_health"
)

type Client struct {
	baseURL   string
	pythonURL string
	http      *http.Client
	metrics   *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(baseURL, pythonURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		pythonURL: strings.TrimRight(pythonURL, "/"),
		http:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string   { return c.baseURL }
func (c *Client) PythonURL() string { return c.pythonURL }

type TTSSummaryRequest struct {
	Summary      string `json:"summary"`
	ProviderID   int    `json:"providerId"`
	ProviderName string `json:"providerName"`
}

type PatientContextRequest struct {
	PatientID int `json:"patientId"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type PythonHealth struct {
	Status         string `json:"status"`
	ProfilesLoaded int    `json:"profiles_loaded"`
	ProviderIDs    []any  `json:"provider_ids"`
}

// Health fetches the backend status object.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, endpointHealth, http.MethodGet, c.baseURL+"/health", nil, nil, &out)
	return out, err
}

// SendTTSSummary asks the backend to synthesize a summary. The audio itself
// arrives later on the meeting channel.
func (c *Client) SendTTSSummary(ctx context.Context, req TTSSummaryRequest) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.do(ctx, endpointTTS, http.MethodPost, c.baseURL+"/api/tts/summary", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPatientContext selects the patient the meeting assistant answers about.
func (c *Client) SetPatientContext(ctx context.Context, patientID int) (*MessageResponse, error) {
	var out MessageResponse
	body := PatientContextRequest{PatientID: patientID}
	if err := c.do(ctx, endpointPatient, http.MethodPost, c.baseURL+"/api/meeting/patient", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PythonHealth checks the inference service. A response that is not
// application/json fails with *NonJSONError.
func (c *Client) PythonHealth(ctx context.Context) (*PythonHealth, error) {
	header := http.Header{}
	header.Set("ngrok-skip-browser-warning", "true")

	var out PythonHealth
	if err := c.do(ctx, endpointPython, http.MethodGet, c.pythonURL+"/health", nil, header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, url string, body any, header http.Header, out any) (err error) {
	defer func() { c.metrics.HTTPRequest(endpoint, err) }()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("Sending backend request", "method", method, "url", url)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSON(contentType) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
		return &NonJSONError{ContentType: contentType, Snippet: string(data)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
