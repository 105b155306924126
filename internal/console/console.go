// Package console renders a chat session as styled terminal text.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/omochice/toy-stream-chat/internal/session"
)

var (
	brandPrimary = lipgloss.Color("#7C3AED") // Purple
	brandAccent  = lipgloss.Color("#10B981") // Emerald
	brandError   = lipgloss.Color("#EF4444") // Red
	textMuted    = lipgloss.Color("#6B7280") // Gray
	textBright   = lipgloss.Color("#06B6D4") // Cyan
)

const assistantName = "Lyra"

// Presenter writes transcript lines to an io.Writer. Replies are streamed
// onto a single line as chunks arrive.
type Presenter struct {
	mu sync.Mutex
	w  io.Writer

	userLabel      lipgloss.Style
	assistantLabel lipgloss.Style
	errorStyle     lipgloss.Style
	statusStyles   map[session.Status]lipgloss.Style

	midLine bool
}

var _ session.Presenter = (*Presenter)(nil)

// New creates a Presenter. Colors are used only when w is a terminal.
func New(w io.Writer) *Presenter {
	r := lipgloss.NewRenderer(w)
	return &Presenter{
		w:              w,
		userLabel:      r.NewStyle().Foreground(textBright).Bold(true),
		assistantLabel: r.NewStyle().Foreground(brandPrimary).Bold(true),
		errorStyle:     r.NewStyle().Foreground(brandError).Bold(true),
		statusStyles: map[session.Status]lipgloss.Style{
			session.StatusConnected:    r.NewStyle().Foreground(brandAccent),
			session.StatusDisconnected: r.NewStyle().Foreground(textMuted).Italic(true),
			session.StatusError:        r.NewStyle().Foreground(brandError),
		},
	}
}

func (p *Presenter) OnMessageStarted(role session.Role, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	fmt.Fprintf(p.w, "%s %s\n", p.label(role), text)
}

func (p *Presenter) OnReplyStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	p.startReplyLine()
}

func (p *Presenter) OnChunk(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.midLine {
		p.startReplyLine()
	}
	io.WriteString(p.w, text)
}

func (p *Presenter) OnReplyEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
}

func (p *Presenter) OnErrorMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	fmt.Fprintln(p.w, p.errorStyle.Render("Error: "+text))
}

func (p *Presenter) OnStatusChanged(status session.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	style, ok := p.statusStyles[status]
	if !ok {
		style = p.statusStyles[session.StatusDisconnected]
	}
	fmt.Fprintln(p.w, style.Render("● "+status.String()))
}

func (p *Presenter) label(role session.Role) string {
	if role == session.RoleUser {
		return p.userLabel.Render("You:")
	}
	return p.assistantLabel.Render(assistantName + ":")
}

func (p *Presenter) startReplyLine() {
	fmt.Fprintf(p.w, "%s ", p.label(session.RoleAssistant))
	p.midLine = true
}

// breakLine ends a partially written reply line.
func (p *Presenter) breakLine() {
	if p.midLine {
		io.WriteString(p.w, "\n")
		p.midLine = false
	}
}
