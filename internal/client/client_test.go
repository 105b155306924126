package client_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-stream-chat/internal/client"
	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/internal/session"
	"github.com/omochice/toy-stream-chat/internal/transcript"
	"github.com/omochice/toy-stream-chat/internal/transport"
	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// fakeTransport opens synchronously and lets tests inject events.
type fakeTransport struct {
	mu     sync.Mutex
	sink   transport.Sink
	state  transport.State
	opens  int
	closes int
	sent   [][]byte
	manual bool // Open only moves to connecting
}

func (f *fakeTransport) Open() {
	f.mu.Lock()
	if f.state == transport.StateConnecting || f.state == transport.StateOpen {
		f.mu.Unlock()
		return
	}
	f.opens++
	if f.manual {
		f.state = transport.StateConnecting
		f.mu.Unlock()
		return
	}
	f.state = transport.StateOpen
	f.mu.Unlock()
	f.sink(transport.Opened{})
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateOpen {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closes++
	wasLive := f.state == transport.StateOpen || f.state == transport.StateConnecting
	f.state = transport.StateClosed
	f.mu.Unlock()
	if wasLive {
		f.sink(transport.Closed{Code: 1000})
	}
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// emit injects an event as if the connection produced it.
func (f *fakeTransport) emit(ev transport.Event) {
	f.mu.Lock()
	switch ev.(type) {
	case transport.Opened:
		f.state = transport.StateOpen
	case transport.Closed:
		f.state = transport.StateClosed
	case transport.Failed:
		f.state = transport.StateFailed
	}
	f.mu.Unlock()
	f.sink(ev)
}

func (f *fakeTransport) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	client *client.Client
	fake   *fakeTransport
	clock  *clock.Mock
	tr     *transcript.Transcript
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg client.Config, fake *fakeTransport, opts ...client.Option) *harness {
	t.Helper()
	if fake == nil {
		fake = &fakeTransport{}
	}
	h := &harness{
		fake:  fake,
		clock: clock.NewMock(),
		tr:    transcript.New(),
	}
	opts = append([]client.Option{
		client.WithClock(h.clock),
		client.WithTransport(func(sink transport.Sink) transport.Transport {
			fake.sink = sink
			return fake
		}),
	}, opts...)
	h.client = client.New(cfg, h.tr, opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.client.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) waitStatus(t *testing.T, status session.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.tr.Status() == status }, waitFor, tick)
}

func encode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	return data
}

func TestClient_ConnectsOnRun(t *testing.T) {
	h := newHarness(t, client.Config{Greeting: "Hi there"}, nil)
	h.start(t)

	h.waitStatus(t, session.StatusConnected)
	assert.True(t, h.client.IsConnected())
	assert.NotEmpty(t, h.client.ID())
	assert.Equal(t, transcript.Message{Role: session.RoleAssistant, Text: "Hi there"}, h.tr.Last())
}

func TestClient_StreamsReply(t *testing.T) {
	h := newHarness(t, client.Config{}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	require.NoError(t, h.client.SendPrompt(context.Background(), "hi"))
	require.Equal(t, 1, h.fake.sentCount())

	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("Hel"))})
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("lo"))})
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.End())})

	require.Eventually(t, func() bool { return !h.tr.Streaming() && h.tr.Last().Text == "Hello" }, waitFor, tick)
}

func TestClient_ReconnectAfterDelay(t *testing.T) {
	h := newHarness(t, client.Config{ReconnectDelay: 5 * time.Second}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	// Two terminal reports for the same drop still schedule one reconnect.
	h.fake.emit(transport.Closed{Code: 1006})
	h.fake.emit(transport.Failed{Err: errors.New("reset")})
	h.waitStatus(t, session.StatusError)
	require.Eventually(t, h.client.ReconnectPending, waitFor, tick)

	h.clock.Add(4999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	opens, _ := h.fake.counts()
	assert.Equal(t, 1, opens, "no reconnect before the delay")

	h.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		opens, _ := h.fake.counts()
		return opens == 2
	}, waitFor, tick)
	h.waitStatus(t, session.StatusConnected)
	assert.False(t, h.client.ReconnectPending())

	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	opens, _ = h.fake.counts()
	assert.Equal(t, 2, opens, "exactly one reconnect")
}

func TestClient_CloseMidStreamKeepsReply(t *testing.T) {
	h := newHarness(t, client.Config{}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	require.NoError(t, h.client.SendPrompt(context.Background(), "hi"))
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("Hel"))})
	h.fake.emit(transport.Closed{Code: 1001, Reason: "going away"})

	h.waitStatus(t, session.StatusDisconnected)
	assert.True(t, h.tr.Streaming(), "reply is not ended by the drop")
	assert.Equal(t, "Hel", h.tr.Last().Text)
	require.Eventually(t, h.client.ReconnectPending, waitFor, tick)

	err := h.client.SendPrompt(context.Background(), "again")
	require.ErrorIs(t, err, session.ErrNotConnected)
	assert.Equal(t, 1, h.fake.sentCount())
}

func TestClient_TeardownCancelsReconnect(t *testing.T) {
	h := newHarness(t, client.Config{ReconnectDelay: time.Second}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	h.fake.emit(transport.Failed{Err: errors.New("refused")})
	require.Eventually(t, h.client.ReconnectPending, waitFor, tick)

	h.stop()
	assert.False(t, h.client.ReconnectPending())

	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	opens, closes := h.fake.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)

	err := h.client.SendPrompt(context.Background(), "late")
	require.ErrorIs(t, err, client.ErrClosed)
}

func TestClient_SendPromptBeforeRun(t *testing.T) {
	h := newHarness(t, client.Config{}, nil)

	err := h.client.SendPrompt(context.Background(), "hi")
	require.ErrorIs(t, err, session.ErrNotConnected)
	assert.Zero(t, h.fake.sentCount())
}

func TestClient_SendPromptWhileConnecting(t *testing.T) {
	h := newHarness(t, client.Config{}, &fakeTransport{manual: true})
	h.start(t)
	require.Eventually(t, func() bool { return h.fake.State() == transport.StateConnecting }, waitFor, tick)

	err := h.client.SendPrompt(context.Background(), "hi")
	require.ErrorIs(t, err, session.ErrNotConnected)
	assert.Zero(t, h.fake.sentCount())
	assert.Empty(t, h.tr.Messages())
}

func TestClient_ReplyTimeout(t *testing.T) {
	h := newHarness(t, client.Config{ReplyTimeout: 30 * time.Second}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	require.NoError(t, h.client.SendPrompt(context.Background(), "hi"))
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("thinking"))})
	require.Eventually(t, func() bool { return h.tr.Last().Text == "thinking" }, waitFor, tick)

	h.clock.Add(20 * time.Second)
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("..."))})
	require.Eventually(t, func() bool { return h.tr.Last().Text == "thinking..." }, waitFor, tick)

	// The second chunk restarted the timer.
	h.clock.Add(20 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.tr.Streaming())

	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return !h.tr.Streaming() }, waitFor, tick)
	last := h.tr.Last()
	assert.True(t, last.Error)
	assert.Contains(t, last.Text, "no reply from server within 30s")
}

func TestClient_ReplyTimeoutStopsOnEnd(t *testing.T) {
	h := newHarness(t, client.Config{ReplyTimeout: 10 * time.Second}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	require.NoError(t, h.client.SendPrompt(context.Background(), "hi"))
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.Chunk("done"))})
	h.fake.emit(transport.FrameReceived{Data: encode(t, protocol.End())})
	require.Eventually(t, func() bool { return !h.tr.Streaming() }, waitFor, tick)

	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	for _, m := range h.tr.Messages() {
		assert.False(t, m.Error)
	}
}

func TestClient_DispatchWithoutLoop(t *testing.T) {
	h := newHarness(t, client.Config{}, nil)

	h.fake.emit(transport.Opened{})
	h.client.Dispatch(transport.Opened{})
	assert.Equal(t, session.StatusConnected, h.tr.Status())

	h.client.Dispatch(transport.FrameReceived{Data: []byte(`{"type":"chunk","content":"x"}`)})
	h.client.Dispatch(transport.FrameReceived{Data: []byte(`garbage`)})
	assert.True(t, h.tr.Streaming())
	assert.Equal(t, "x", h.tr.Last().Text)

	h.client.Dispatch(transport.Failed{Err: errors.New("boom")})
	assert.Equal(t, session.StatusError, h.tr.Status())
	assert.True(t, h.client.ReconnectPending())
}

func TestClient_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	h := newHarness(t, client.Config{ReconnectDelay: time.Second}, nil, client.WithMetrics(m))
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	h.fake.emit(transport.Failed{Err: errors.New("reset")})
	require.Eventually(t, h.client.ReconnectPending, waitFor, tick)
	h.clock.Add(time.Second)
	h.waitStatus(t, session.StatusConnected)

	expected := `
# HELP lyra_client_reconnects_total Reconnect attempts started by the reconnect policy.
# TYPE lyra_client_reconnects_total counter
lyra_client_reconnects_total 1
# HELP lyra_client_connected 1 while the connection is open, 0 otherwise.
# TYPE lyra_client_connected gauge
lyra_client_connected 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lyra_client_reconnects_total", "lyra_client_connected"))
}

func TestClient_RunTwice(t *testing.T) {
	h := newHarness(t, client.Config{}, nil)
	h.start(t)
	h.waitStatus(t, session.StatusConnected)

	err := h.client.Run(context.Background())
	require.Error(t, err)
}
