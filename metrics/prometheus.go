package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the console. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Audio transport metrics
	FramesSent    *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	BytesSent     *prometheus.CounterVec
	InputLevel    *prometheus.GaugeVec

	// Inbound message metrics
	MessagesReceived  *prometheus.CounterVec
	MalformedMessages *prometheus.CounterVec

	// Playback metrics
	Playbacks      prometheus.Counter
	PlaybackErrors prometheus.Counter
	LiveClips      prometheus.Gauge

	// Connection metrics
	ConnectionState *prometheus.GaugeVec
	Connections     *prometheus.CounterVec

	// Backend HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates the metrics on a private registry so several consoles can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_frames_sent_total",
			Help: "Total number of PCM frames sent",
		}, []string{"channel"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_frames_dropped_total",
			Help: "Total number of PCM frames dropped because the channel was not open",
		}, []string{"channel"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_bytes_sent_total",
			Help: "Total number of PCM bytes sent",
		}, []string{"channel"}),
		InputLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxprobe_input_level",
			Help: "Mean absolute amplitude of the last captured block",
		}, []string{"channel"}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_messages_received_total",
			Help: "Total number of inbound messages by type",
		}, []string{"channel", "type"}),
		MalformedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_malformed_messages_total",
			Help: "Total number of inbound messages that failed to parse",
		}, []string{"channel"}),

		Playbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxprobe_playbacks_total",
			Help: "Total number of audio clips played",
		}),
		PlaybackErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxprobe_playback_errors_total",
			Help: "Total number of audio clips that failed to play",
		}),
		LiveClips: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxprobe_live_clips",
			Help: "Number of audio clips not yet released",
		}),

		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxprobe_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=open, 3=closing)",
		}, []string{"channel"}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_connections_total",
			Help: "Total number of connection attempts",
		}, []string{"channel"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxprobe_http_requests_total",
			Help: "Total number of backend HTTP requests",
		}, []string{"endpoint", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameSent(channel string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(channel).Inc()
	m.BytesSent.WithLabelValues(channel).Add(float64(bytes))
}

func (m *Metrics) InputLevelObserved(channel string, amplitude float64) {
	if m == nil {
		return
	}
	m.InputLevel.WithLabelValues(channel).Set(amplitude)
}

func (m *Metrics) FrameDropped(channel string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(channel).Inc()
}

// MessageReceived counts one parsed message. Callers pass only known
// discriminants so the label set stays bounded.
func (m *Metrics) MessageReceived(channel, msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unrecognized"
	}
	m.MessagesReceived.WithLabelValues(channel, msgType).Inc()
}

func (m *Metrics) MessageMalformed(channel string) {
	if m == nil {
		return
	}
	m.MalformedMessages.WithLabelValues(channel).Inc()
}

func (m *Metrics) ClipOpened() {
	if m == nil {
		return
	}
	m.LiveClips.Inc()
}

func (m *Metrics) ClipReleased(err error) {
	if m == nil {
		return
	}
	m.LiveClips.Dec()
	if err != nil {
		m.PlaybackErrors.Inc()
		return
	}
	m.Playbacks.Inc()
}

func (m *Metrics) ConnectionChanged(channel string, state int) {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues(channel).Set(float64(state))
}

func (m *Metrics) ConnectionAttempt(channel string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(channel).Inc()
}

func (m *Metrics) HTTPRequest(endpoint string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.HTTPRequests.WithLabelValues(endpoint, outcome).Inc()
}
