// Package transcript provides an in-memory Presenter that keeps the chat
// history the way a rendered page would show it.
package transcript

import (
	"fmt"
	"strings"
	"sync"

	"github.com/omochice/toy-stream-chat/internal/session"
)

// Message is one rendered transcript entry.
type Message struct {
	Role session.Role
	Text string
	// Error marks messages produced from server error frames.
	Error bool
}

// Transcript records presenter callbacks. It is safe for concurrent use so
// tests can inspect it while a session loop runs.
type Transcript struct {
	mu        sync.Mutex
	messages  []Message
	streaming int // index of the streaming message, -1 if none
	status    session.Status
	calls     []string
}

// New creates an empty Transcript.
func New() *Transcript {
	return &Transcript{streaming: -1, status: session.StatusDisconnected}
}

var _ session.Presenter = (*Transcript)(nil)

func (t *Transcript) OnMessageStarted(role session.Role, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("message(%s,%q)", role, text))
	t.messages = append(t.messages, Message{Role: role, Text: text})
}

func (t *Transcript) OnReplyStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "replyStarted")
	t.messages = append(t.messages, Message{Role: session.RoleAssistant})
	t.streaming = len(t.messages) - 1
}

func (t *Transcript) OnChunk(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("chunk(%q)", text))
	if t.streaming < 0 {
		t.messages = append(t.messages, Message{Role: session.RoleAssistant})
		t.streaming = len(t.messages) - 1
	}
	t.messages[t.streaming].Text += text
}

func (t *Transcript) OnReplyEnded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "replyEnded")
	t.streaming = -1
}

func (t *Transcript) OnErrorMessage(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("error(%q)", text))
	t.messages = append(t.messages, Message{Role: session.RoleAssistant, Text: "Error: " + text, Error: true})
}

func (t *Transcript) OnStatusChanged(status session.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("status(%s)", status))
	t.status = status
}

// Messages returns a copy of the history.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Last returns the most recent message, or the zero Message.
func (t *Transcript) Last() Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return Message{}
	}
	return t.messages[len(t.messages)-1]
}

// Streaming reports whether an assistant message is still being streamed.
func (t *Transcript) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaming >= 0
}

// Status returns the last reported connection status.
func (t *Transcript) Status() session.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Calls returns the callback log, one entry per presenter call.
func (t *Transcript) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	copy(out, t.calls)
	return out
}

// String renders the history one message per line.
func (t *Transcript) String() string {
	var b strings.Builder
	for _, m := range t.Messages() {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return b.String()
}
