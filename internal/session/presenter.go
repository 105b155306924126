package session

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the connection indicator shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusError
)

// String returns the label the presentation layer displays.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusError:
		return "Connection Error"
	default:
		return "Unknown"
	}
}

// Presenter renders session events. All methods are called from a single
// goroutine and must not block for long.
type Presenter interface {
	// OnMessageStarted adds a complete message to the transcript.
	OnMessageStarted(role Role, text string)
	// OnReplyStarted prepares an empty assistant message for streaming.
	OnReplyStarted()
	// OnChunk appends text to the streaming assistant message.
	OnChunk(text string)
	// OnReplyEnded finalises the streaming assistant message.
	OnReplyEnded()
	// OnErrorMessage shows an error reported by the server.
	OnErrorMessage(text string)
	// OnStatusChanged updates the connection indicator.
	OnStatusChanged(status Status)
}

// NopPresenter ignores every event.
type NopPresenter struct{}

func (NopPresenter) OnMessageStarted(Role, string) {}
func (NopPresenter) OnReplyStarted()               {}
func (NopPresenter) OnChunk(string)                {}
func (NopPresenter) OnReplyEnded()                 {}
func (NopPresenter) OnErrorMessage(string)         {}
func (NopPresenter) OnStatusChanged(Status)        {}
