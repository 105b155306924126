// Package metrics defines the Prometheus collectors of the chat client and
// the streaming backend.
//
// Collectors are registered on a caller-supplied Registerer so that tests
// and multiple sessions in one process do not collide. All methods are
// safe to call on a nil receiver, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lyra"

// Client holds the session-side collectors.
type Client struct {
	framesReceived  *prometheus.CounterVec
	framesMalformed prometheus.Counter
	promptsSent     prometheus.Counter
	promptsDropped  prometheus.Counter
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
}

// NewClient creates and registers the client collectors.
func NewClient(reg prometheus.Registerer) *Client {
	m := &Client{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Decoded frames received from the server, by frame type.",
		}, []string{"type"}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_malformed_total",
			Help:      "Inbound payloads dropped because they could not be decoded.",
		}),
		promptsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "prompts_sent_total",
			Help:      "Prompts written to the connection.",
		}),
		promptsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "prompts_dropped_total",
			Help:      "Prompts discarded because the connection was not open.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts started by the reconnect policy.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the connection is open, 0 otherwise.",
		}),
	}
	reg.MustRegister(m.framesReceived, m.framesMalformed, m.promptsSent, m.promptsDropped, m.reconnects, m.connected)
	return m
}

func (m *Client) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// FramesReceivedFor returns the counter of one frame type.
func (m *Client) FramesReceivedFor(frameType string) prometheus.Counter {
	return m.framesReceived.WithLabelValues(frameType)
}

func (m *Client) FrameMalformed() {
	if m == nil {
		return
	}
	m.framesMalformed.Inc()
}

func (m *Client) PromptSent() {
	if m == nil {
		return
	}
	m.promptsSent.Inc()
}

func (m *Client) PromptDropped() {
	if m == nil {
		return
	}
	m.promptsDropped.Inc()
}

func (m *Client) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Client) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Server holds the backend collectors.
type Server struct {
	connections prometheus.Gauge
	prompts     prometheus.Counter
	chunks      prometheus.Counter
	errors      *prometheus.CounterVec
}

// NewServer creates and registers the backend collectors.
func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Currently connected chat clients.",
		}),
		prompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "prompts_total",
			Help:      "Prompts accepted for streaming.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "chunks_total",
			Help:      "Chunk frames streamed to clients.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "error_frames_total",
			Help:      "Error frames sent to clients, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.connections, m.prompts, m.chunks, m.errors)
	return m
}

func (m *Server) ClientConnected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Server) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Server) PromptAccepted() {
	if m == nil {
		return
	}
	m.prompts.Inc()
}

func (m *Server) ChunkSent() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Server) ErrorSent(reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(reason).Inc()
}
