// Package session turns raw frames into structured reply events and keeps
// the in-flight assistant reply.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/internal/transport"
	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

var (
	// ErrNotConnected is returned by SendPrompt while the transport is not open.
	ErrNotConnected = transport.ErrNotConnected
	// ErrEmptyPrompt is returned by SendPrompt for blank input.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrMalformedFrame is returned by HandleFrame for undecodable payloads.
	ErrMalformedFrame = protocol.ErrMalformedFrame
)

// Sender is the part of the transport the protocol writes through.
type Sender interface {
	State() transport.State
	Send(data []byte) error
}

// Reply accumulates one streaming assistant turn.
type Reply struct {
	text strings.Builder
}

// Text returns the text accumulated so far.
func (r *Reply) Text() string {
	return r.text.String()
}

// Protocol interprets frames for one chat session. It is not safe for
// concurrent use; callers serialise access.
type Protocol struct {
	sender     Sender
	presenter  Presenter
	logger     zerolog.Logger
	metrics    *metrics.Client
	greeting   string
	endOnError bool

	reply *Reply
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Protocol) {
		p.logger = l
	}
}

// WithMetrics records frame and prompt counters.
func WithMetrics(m *metrics.Client) Option {
	return func(p *Protocol) {
		p.metrics = m
	}
}

// WithGreeting shows text as an assistant message whenever the connection
// opens.
func WithGreeting(text string) Option {
	return func(p *Protocol) {
		p.greeting = text
	}
}

// WithEndReplyOnError makes an error frame close the in-flight reply.
func WithEndReplyOnError(enabled bool) Option {
	return func(p *Protocol) {
		p.endOnError = enabled
	}
}

// New creates a Protocol writing through sender and rendering to presenter.
func New(sender Sender, presenter Presenter, opts ...Option) *Protocol {
	if presenter == nil {
		presenter = NopPresenter{}
	}
	p := &Protocol{
		sender:    sender,
		presenter: presenter,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reply returns the in-flight reply, or nil when none is open.
func (p *Protocol) Reply() *Reply {
	return p.reply
}

// ReplyOpen reports whether a reply is being streamed.
func (p *Protocol) ReplyOpen() bool {
	return p.reply != nil
}

// SendPrompt sends text to the server and opens a fresh reply for the answer.
// Nothing is sent or rendered when it returns an error.
func (p *Protocol) SendPrompt(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyPrompt
	}
	if p.sender.State() != transport.StateOpen {
		p.metrics.PromptDropped()
		p.logger.Debug().Msg("Prompt dropped while disconnected")
		return ErrNotConnected
	}

	req := protocol.Request{Prompt: text}
	data, err := req.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode prompt: %w", err)
	}
	if err := p.sender.Send(data); err != nil {
		p.metrics.PromptDropped()
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	p.metrics.PromptSent()

	p.presenter.OnMessageStarted(RoleUser, text)
	p.startReply()
	return nil
}

// HandleFrame applies one inbound frame. A malformed frame is dropped and
// leaves the reply untouched.
func (p *Protocol) HandleFrame(raw []byte) error {
	var f protocol.Frame
	if err := f.Decode(raw); err != nil {
		p.metrics.FrameMalformed()
		p.logger.Warn().Err(err).Int("size", len(raw)).Msg("Failed to decode frame")
		return err
	}
	p.metrics.FrameReceived(f.Type.String())

	switch f.Type {
	case protocol.FrameChunk:
		if p.reply == nil {
			p.startReply()
		}
		p.reply.text.WriteString(f.Content)
		p.presenter.OnChunk(f.Content)
	case protocol.FrameEnd:
		p.endReply()
	case protocol.FrameError:
		p.logger.Warn().Str("content", f.Content).Msg("Server reported error")
		p.presenter.OnErrorMessage(f.Content)
		if p.endOnError {
			p.endReply()
		}
	default:
		p.logger.Debug().Str("type", f.Tag).Msg("Ignoring frame of unknown type")
	}
	return nil
}

// Connected reports an opened connection to the presenter.
func (p *Protocol) Connected() {
	p.presenter.OnStatusChanged(StatusConnected)
	if p.greeting != "" {
		p.presenter.OnMessageStarted(RoleAssistant, p.greeting)
	}
}

// Disconnected reports a lost connection. An open reply stays open.
func (p *Protocol) Disconnected(status Status) {
	p.presenter.OnStatusChanged(status)
}

// Abandon gives up on the in-flight reply, showing reason as an error.
// It reports whether a reply was open.
func (p *Protocol) Abandon(reason string) bool {
	if p.reply == nil {
		return false
	}
	p.logger.Warn().Str("reason", reason).Int("received", p.reply.text.Len()).Msg("Abandoning reply")
	p.presenter.OnErrorMessage(reason)
	p.endReply()
	return true
}

func (p *Protocol) startReply() {
	p.reply = &Reply{}
	p.presenter.OnReplyStarted()
}

// endReply always notifies the presenter, even with no reply open.
func (p *Protocol) endReply() {
	if p.reply == nil {
		p.logger.Debug().Msg("End frame without an open reply")
	}
	p.reply = nil
	p.presenter.OnReplyEnded()
}
