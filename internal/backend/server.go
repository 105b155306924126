package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

// Routes served by the backend.
const (
	ChatStreamPath = "/api/v1/ws/chat"
	ChatPath       = "/api/v1/chat"
	HealthPath     = "/api/v1/health"
	MetricsPath    = "/metrics"
)

const (
	serviceName    = "Lyra API"
	outgoingBuffer = 32
	maxRequestBody = 1 << 20
)

// Server accepts chat connections over HTTP and WebSocket.
type Server struct {
	address  string
	hub      *Hub
	registry *prometheus.Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	stopped  bool // no connection goroutines start once set

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegistry serves and records metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New creates a server listening on address and answering with responder.
func New(address string, responder Responder, opts ...Option) *Server {
	s := &Server{
		address: address,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.hub = NewHub(responder,
		WithHubLogger(s.logger),
		WithHubMetrics(metrics.NewServer(s.registry)))
	return s
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ChatStreamPath, s.handleWebSocket)
	mux.HandleFunc(ChatPath, s.handleChat)
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Chat server started")
	return nil
}

// Serve accepts connections until Stop is called. Listen must succeed first.
func (s *Server) Serve() error {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.mu.Unlock()
	if server == nil {
		return errors.New("server is not listening")
	}

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop closes the listener and every client connection, then waits for
// the connection goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	server := s.server
	s.mu.Unlock()
	s.cancel()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Shutdown did not complete")
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("Chat server stopped")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		Conn:     NewConn(conn, r.RemoteAddr),
		Outgoing: make(chan []byte, outgoingBuffer),
	}

	// Shutdown does not track hijacked connections, so Stop may already be
	// waiting on wg.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		client.Conn.Close()
		return
	}
	s.hub.Register(client)

	ctx, cancel := context.WithCancel(s.ctx)
	// Unblocks the read loop on Stop or a failed write.
	context.AfterFunc(ctx, func() { client.Conn.Close() })
	s.wg.Go(func() {
		defer cancel()
		s.writeLoop(ctx, client)
	})
	s.wg.Go(func() {
		defer func() {
			cancel()
			s.hub.Unregister(client)
		}()
		s.hub.HandleClient(ctx, client)
	})
}

// writeLoop drains client.Outgoing until ctx is done. A write failure ends
// the connection.
func (s *Server) writeLoop(ctx context.Context, client *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.Outgoing:
			if err := client.Conn.Write(ctx, data); err != nil {
				s.logger.Warn().Err(err).Str("client", client.ID).Msg("Failed to write to client")
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": serviceName,
	})
}

// handleChat answers one prompt without streaming.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	var req protocol.Request
	if err := req.Decode(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errInvalidRequest})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusOK, map[string]any{"error": errPromptRequired})
		return
	}

	reply, err := Collect(r.Context(), s.hub.responder, req)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Responder failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": reply})
}

func writeJSON(w http.ResponseWriter, status int, fields map[string]any) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
