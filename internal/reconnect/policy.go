// Package reconnect decides when a dropped connection is re-established.
package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultDelay is the pause between a connection ending and the next attempt.
const DefaultDelay = 5 * time.Second

// Policy schedules at most one pending reconnect at a fixed delay.
// There is no backoff growth, no jitter and no attempt cap.
type Policy struct {
	delay  time.Duration
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	timer    *clock.Timer
	gen      uint64
	attempts int
	closed   bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) {
		p.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = l
	}
}

// New creates a Policy. A non-positive delay falls back to DefaultDelay.
func New(delay time.Duration, opts ...Option) *Policy {
	if delay <= 0 {
		delay = DefaultDelay
	}
	p := &Policy{
		delay:  delay,
		clock:  clock.New(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the configured delay.
func (p *Policy) Delay() time.Duration {
	return p.delay
}

// Schedule arranges for fn to run once after the delay. It returns false
// without scheduling when a reconnect is already pending or the policy has
// been closed.
func (p *Policy) Schedule(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.timer != nil {
		return false
	}

	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.delay, func() {
		p.mu.Lock()
		if p.closed || p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.timer = nil
		p.attempts++
		attempt := p.attempts
		p.mu.Unlock()

		p.logger.Info().Int("attempt", attempt).Msg("Reconnecting")
		fn()
	})
	p.logger.Debug().Dur("delay", p.delay).Msg("Reconnect scheduled")
	return true
}

// Pending reports whether a reconnect is scheduled and has not fired yet.
func (p *Policy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Attempts returns how many scheduled reconnects have fired.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Cancel drops a pending reconnect, if any.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

// Close cancels a pending reconnect and refuses all later ones.
func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.closed = true
}

func (p *Policy) cancelLocked() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.gen++
}
