package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// WebSocket implements Transport over a gobwas/ws client connection.
type WebSocket struct {
	endpoint string
	dialer   ws.Dialer
	sink     Sink
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	current *instance
	cancel  context.CancelFunc
	seq     uint64
	wg      sync.WaitGroup

	releaseReader func(*bufio.Reader)
}

// Option configures a WebSocket transport.
type Option func(*WebSocket)

// WithDialTimeout bounds the TCP connect and handshake of each Open.
func WithDialTimeout(d time.Duration) Option {
	return func(t *WebSocket) {
		t.dialer.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *WebSocket) {
		t.logger = l
	}
}

// NewWebSocket creates a transport for endpoint that reports to sink.
func NewWebSocket(endpoint string, sink Sink, opts ...Option) *WebSocket {
	t := &WebSocket{
		endpoint: endpoint,
		sink:     sink,
		logger:   zerolog.Nop(),
		state:    StateIdle,

		releaseReader: putReader,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// instance is one connection attempt. Its emit gate guarantees nothing is
// delivered after the terminal event.
type instance struct {
	id   uint64
	sink Sink

	mu   sync.Mutex // held while the sink runs
	done bool

	conn atomic.Pointer[bufferedConn]

	writeMu sync.Mutex
}

func (i *instance) emit(ev Event) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return false
	}
	switch ev.(type) {
	case Closed, Failed:
		i.done = true
	}
	i.sink(ev)
	return true
}

// attach stores the dialed connection. It reports false if the instance was
// already terminated while dialing.
func (i *instance) attach(conn *bufferedConn, onAttach func()) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return false
	}
	i.conn.Store(conn)
	onAttach()
	i.sink(Opened{})
	return true
}

// connection does not take mu, so Send never waits on a blocked sink.
func (i *instance) connection() net.Conn {
	if c := i.conn.Load(); c != nil {
		return c
	}
	return nil
}

// Open implements Transport.
func (t *WebSocket) Open() {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return
	}
	t.seq++
	inst := &instance{id: t.seq, sink: t.sink}
	ctx, cancel := context.WithCancel(context.Background())
	t.current = inst
	t.cancel = cancel
	t.state = StateConnecting
	t.mu.Unlock()

	t.logger.Debug().Uint64("conn", inst.id).Str("endpoint", t.endpoint).Msg("Connecting")

	t.wg.Add(1)
	go t.run(ctx, inst)
}

// Send implements Transport.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	if t.state != StateOpen || t.current == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	inst := t.current
	t.mu.Unlock()

	conn := inst.connection()
	if conn == nil {
		return ErrNotConnected
	}

	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *WebSocket) Close() {
	t.mu.Lock()
	inst := t.current
	if inst == nil {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.state = StateClosed
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if !inst.emit(Closed{Code: int(ws.StatusNormalClosure)}) {
		return
	}

	if conn := inst.connection(); conn != nil {
		inst.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
		inst.writeMu.Unlock()
		_ = conn.Close()
	}
	t.logger.Debug().Uint64("conn", inst.id).Msg("Connection closed by client")
}

// Wait blocks until the goroutines of all past instances have exited.
func (t *WebSocket) Wait() {
	t.wg.Wait()
}

// State implements Transport.
func (t *WebSocket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *WebSocket) run(ctx context.Context, inst *instance) {
	defer t.wg.Done()

	conn, br, _, err := t.dialer.Dial(ctx, t.endpoint)
	if err != nil {
		t.terminate(inst, StateFailed, Failed{Err: fmt.Errorf("failed to connect to server: %w", err)})
		return
	}
	// br is read only by this goroutine.
	defer t.releaseReader(br)

	bc := newBufferedConn(conn, br)
	attached := inst.attach(bc, func() {
		t.mu.Lock()
		if t.current == inst {
			t.state = StateOpen
		}
		t.mu.Unlock()
	})
	if !attached {
		_ = conn.Close()
		return
	}
	t.logger.Info().Uint64("conn", inst.id).Str("endpoint", t.endpoint).Msg("Connected")

	for {
		data, _, err := wsutil.ReadServerData(bc)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				t.terminate(inst, StateClosed, Closed{Code: int(closed.Code), Reason: closed.Reason})
			} else {
				t.terminate(inst, StateFailed, Failed{Err: fmt.Errorf("error reading from server: %w", err)})
			}
			_ = conn.Close()
			return
		}

		if !inst.emit(FrameReceived{Data: data}) {
			return
		}
	}
}

func (t *WebSocket) terminate(inst *instance, state State, ev Event) {
	t.mu.Lock()
	if t.current == inst {
		t.current = nil
		t.state = state
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	t.mu.Unlock()

	if !inst.emit(ev) {
		return
	}
	switch e := ev.(type) {
	case Failed:
		t.logger.Warn().Uint64("conn", inst.id).Err(e.Err).Msg("Connection failed")
	case Closed:
		t.logger.Info().Uint64("conn", inst.id).Int("code", e.Code).Str("reason", e.Reason).Msg("Connection closed by server")
	}
}

// putReader hands a handshake reader back to the gobwas pool.
func putReader(br *bufio.Reader) {
	if br != nil {
		ws.PutReader(br)
	}
}

// bufferedConn preserves bytes the handshake already buffered.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func newBufferedConn(conn net.Conn, br *bufio.Reader) *bufferedConn {
	if br == nil {
		return &bufferedConn{Conn: conn, reader: conn}
	}
	return &bufferedConn{Conn: conn, reader: br}
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
