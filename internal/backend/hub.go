package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

const (
	errPromptRequired = "Prompt is required"
	errInvalidRequest = "Invalid request"
)

// Client represents a connected chat client.
type Client struct {
	ID       string
	Conn     Conn
	Outgoing chan []byte
}

// Hub tracks connected clients and answers their prompts.
type Hub struct {
	clients   map[*Client]bool
	mu        sync.RWMutex
	responder Responder
	logger    zerolog.Logger
	metrics   *metrics.Server
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithHubMetrics records server metrics.
func WithHubMetrics(m *metrics.Server) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a new Hub answering with responder.
func NewHub(responder Responder, opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[*Client]bool),
		responder: responder,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.metrics.ClientConnected()
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		h.metrics.ClientDisconnected()
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleClient reads requests from client until the connection ends or ctx
// is done. Frames are queued on client.Outgoing; the caller drains it.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	logger := h.logger.With().Str("client", client.ID).Str("remote", client.Conn.RemoteAddr()).Logger()
	logger.Info().Msg("Client connected")
	defer logger.Info().Msg("Client disconnected")

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			if !isClosed(err) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}
		if err := h.handleRequest(ctx, client, data); err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Failed to answer request")
			}
			return
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, client *Client, data []byte) error {
	var req protocol.Request
	if err := req.Decode(data); err != nil {
		h.logger.Debug().Err(err).Str("client", client.ID).Msg("Malformed request")
		h.metrics.ErrorSent("malformed")
		return h.send(ctx, client, protocol.Error(errInvalidRequest))
	}
	if req.Prompt == "" {
		h.metrics.ErrorSent("empty_prompt")
		return h.send(ctx, client, protocol.Error(errPromptRequired))
	}

	h.metrics.PromptAccepted()
	h.logger.Debug().Str("client", client.ID).Int("length", len(req.Prompt)).Msg("Prompt received")

	err := h.responder.Stream(ctx, req, func(chunk string) error {
		h.metrics.ChunkSent()
		return h.send(ctx, client, protocol.Chunk(chunk))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.metrics.ErrorSent("responder")
		if err := h.send(ctx, client, protocol.Error(err.Error())); err != nil {
			return err
		}
	}
	return h.send(ctx, client, protocol.End())
}

// send queues f, blocking until there is room or ctx is done.
func (h *Hub) send(ctx context.Context, client *Client, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case client.Outgoing <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
