package backend

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

// Responder produces the assistant reply for one request.
type Responder interface {
	// Stream calls emit once per chunk, in order. It stops at the first
	// emit error or when ctx is done.
	Stream(ctx context.Context, req protocol.Request, emit func(chunk string) error) error
}

// EchoResponder replies with the prompt, one word per chunk.
type EchoResponder struct {
	// Delay is the pause between chunks.
	Delay time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Stream implements Responder.
func (r EchoResponder) Stream(ctx context.Context, req protocol.Request, emit func(string) error) error {
	clk := r.Clock
	if clk == nil {
		clk = clock.New()
	}

	reply := "You said: " + req.Prompt
	if req.SystemPrompt != "" {
		reply = "[" + req.SystemPrompt + "] " + reply
	}

	for i, chunk := range SplitWords(reply) {
		if i > 0 && r.Delay > 0 {
			timer := clk.Timer(r.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

// SplitWords splits s after each space so that the pieces concatenate back
// to s.
func SplitWords(s string) []string {
	parts := strings.SplitAfter(s, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Collect runs r to completion and returns the whole reply.
func Collect(ctx context.Context, r Responder, req protocol.Request) (string, error) {
	var b strings.Builder
	err := r.Stream(ctx, req, func(chunk string) error {
		b.WriteString(chunk)
		return nil
	})
	return b.String(), err
}
