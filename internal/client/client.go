// Package client runs one chat session: it owns the transport, the session
// protocol and the reconnect policy, and serialises all of their events on a
// single goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/internal/reconnect"
	"github.com/omochice/toy-stream-chat/internal/session"
	"github.com/omochice/toy-stream-chat/internal/transport"
)

// ErrClosed is returned by SendPrompt once the session has shut down.
var ErrClosed = errors.New("chat session closed")

const eventBuffer = 64

// Config holds the per-session settings.
type Config struct {
	// Endpoint is the WebSocket URI of the chat stream.
	Endpoint string
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// ReconnectDelay is the fixed pause before reconnecting.
	ReconnectDelay time.Duration
	// ReplyTimeout abandons a reply that receives no frame for this long.
	// Zero disables it.
	ReplyTimeout time.Duration
	// Greeting is shown as an assistant message on every connect.
	Greeting string
	// EndReplyOnError makes error frames close the in-flight reply.
	EndReplyOnError bool
}

// TransportFactory builds the transport for a session given its event sink.
type TransportFactory func(sink transport.Sink) transport.Transport

// Client is one chat session.
type Client struct {
	id        string
	cfg       Config
	transport transport.Transport
	protocol  *session.Protocol
	policy    *reconnect.Policy
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Client

	newTransport TransportFactory

	events   chan any
	stopping chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// owned by the loop goroutine
	replyTimer *clock.Timer
	replyGen   uint64
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the WebSocket transport.
func WithTransport(f TransportFactory) Option {
	return func(c *Client) {
		c.newTransport = f
	}
}

// WithClock replaces the wall clock used by timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Client) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// internal loop events
type (
	promptRequest struct {
		text string
		errc chan error
	}
	reconnectDue  struct{}
	replyTimedOut struct{ gen uint64 }
)

// New creates a chat session rendering to presenter. Nothing connects until
// Run is called.
func New(cfg Config, presenter session.Presenter, opts ...Option) *Client {
	c := &Client{
		id:       uuid.NewString(),
		cfg:      cfg,
		clock:    clock.New(),
		logger:   zerolog.Nop(),
		events:   make(chan any, eventBuffer),
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("session", c.id).Logger()

	if c.newTransport == nil {
		c.newTransport = func(sink transport.Sink) transport.Transport {
			return transport.NewWebSocket(cfg.Endpoint, sink,
				transport.WithDialTimeout(cfg.DialTimeout),
				transport.WithLogger(c.logger))
		}
	}
	c.transport = c.newTransport(func(ev transport.Event) { c.post(ev) })
	c.policy = reconnect.New(cfg.ReconnectDelay,
		reconnect.WithClock(c.clock),
		reconnect.WithLogger(c.logger))
	c.protocol = session.New(c.transport, presenter,
		session.WithLogger(c.logger),
		session.WithMetrics(c.metrics),
		session.WithGreeting(cfg.Greeting),
		session.WithEndReplyOnError(cfg.EndReplyOnError))
	return c
}

// ID returns the session identifier used in logs.
func (c *Client) ID() string {
	return c.id
}

// IsConnected returns whether the transport is open.
func (c *Client) IsConnected() bool {
	return c.transport.State() == transport.StateOpen
}

// ReconnectPending reports whether a reconnect is scheduled.
func (c *Client) ReconnectPending() bool {
	return c.policy.Pending()
}

// Run connects and processes session events until ctx is cancelled. On
// return any pending reconnect is cancelled and the connection is closed.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("chat session already running")
	}
	c.logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("Starting chat session")

	c.transport.Open()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// SendPrompt submits text from any goroutine and returns the outcome. While
// disconnected it returns session.ErrNotConnected and the prompt is dropped.
func (c *Client) SendPrompt(ctx context.Context, text string) error {
	if !c.running.Load() {
		return session.ErrNotConnected
	}
	req := promptRequest{text: text, errc: make(chan error, 1)}

	select {
	case c.events <- req:
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errc:
		return err
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch applies one transport event. Run calls it for every event the
// transport emits; tests may call it directly instead of running the loop.
func (c *Client) Dispatch(ev transport.Event) {
	switch e := ev.(type) {
	case transport.Opened:
		c.policy.Cancel()
		c.metrics.SetConnected(true)
		c.protocol.Connected()
	case transport.Closed:
		c.logger.Info().Int("code", e.Code).Str("reason", e.Reason).Msg("Disconnected")
		c.metrics.SetConnected(false)
		c.protocol.Disconnected(session.StatusDisconnected)
		c.scheduleReconnect()
	case transport.Failed:
		c.logger.Warn().Err(e.Err).Msg("Connection error")
		c.metrics.SetConnected(false)
		c.protocol.Disconnected(session.StatusError)
		c.scheduleReconnect()
	case transport.FrameReceived:
		// Malformed frames are logged by the protocol and dropped.
		_ = c.protocol.HandleFrame(e.Data)
		c.armReplyTimer()
	}
}

func (c *Client) handle(ev any) {
	switch e := ev.(type) {
	case transport.Event:
		c.Dispatch(e)
	case promptRequest:
		err := c.protocol.SendPrompt(e.text)
		if err == nil {
			c.armReplyTimer()
		}
		e.errc <- err
	case reconnectDue:
		c.metrics.Reconnect()
		c.transport.Open()
	case replyTimedOut:
		if e.gen != c.replyGen {
			return
		}
		c.replyTimer = nil
		reason := fmt.Sprintf("no reply from server within %s", c.cfg.ReplyTimeout)
		c.protocol.Abandon(reason)
	}
}

func (c *Client) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.stopping:
	}
}

func (c *Client) scheduleReconnect() {
	c.policy.Schedule(func() { c.post(reconnectDue{}) })
}

// armReplyTimer restarts the stall timer while a reply is open.
func (c *Client) armReplyTimer() {
	if c.cfg.ReplyTimeout <= 0 {
		return
	}
	c.stopReplyTimer()
	if !c.protocol.ReplyOpen() {
		return
	}
	gen := c.replyGen
	c.replyTimer = c.clock.AfterFunc(c.cfg.ReplyTimeout, func() {
		c.post(replyTimedOut{gen: gen})
	})
}

func (c *Client) stopReplyTimer() {
	c.replyGen++
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
}

func (c *Client) shutdown() {
	c.logger.Info().Msg("Stopping chat session")
	c.policy.Close()
	c.stopReplyTimer()
	c.stopOnce.Do(func() { close(c.stopping) })
	c.transport.Close()
	c.metrics.SetConnected(false)
	c.protocol.Disconnected(session.StatusDisconnected)
}
