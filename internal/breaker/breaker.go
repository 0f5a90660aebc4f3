// Package breaker implements the per-transport circuit breaker: closed,
// open, half-open, with accounting rules pinned to transient/rateLimited
// failures only, per the engine's breaker-accounting decision.
package breaker

import (
	"context"
	"sync"
	"time"

	"mailgate/internal/transport"
)

// Mode is the circuit breaker's state machine position.
type Mode string

const (
	Closed   Mode = "closed"
	Open     Mode = "open"
	HalfOpen Mode = "halfOpen"
)

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig is the production threshold tuning.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
}

// State is the externally observable snapshot of a Breaker.
type State struct {
	Mode                 Mode
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedUntil          time.Time
}

// Breaker wraps one transport, short-circuiting calls while open.
type Breaker struct {
	mu            sync.Mutex
	transportName string
	cfg           Config

	mode                 Mode
	consecutiveFailures  int
	consecutiveSuccesses int
	openedUntil          time.Time
	halfOpenInFlight     bool

	// onStateChange, when set, is notified (outside the lock) of every
	// mode transition so a caller can feed the admin/observability
	// breaker-state-changes counter without the breaker itself depending
	// on a metrics library.
	onStateChange func(transportName string, mode Mode)
}

// OnStateChange installs a callback fired after every mode transition.
func (b *Breaker) OnStateChange(fn func(transportName string, mode Mode)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) notify(mode Mode) {
	if b.onStateChange != nil {
		b.onStateChange(b.transportName, mode)
	}
}

// New creates a closed breaker for the named transport.
func New(transportName string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Breaker{transportName: transportName, cfg: cfg, mode: Closed}
}

// decision is what beforeCall tells Run to do.
type decision int

const (
	proceed decision = iota
	shortCircuit
)

// beforeCall decides, under lock, whether this call may proceed.
func (b *Breaker) beforeCall(now time.Time) (decision, time.Duration) {
	b.mu.Lock()
	switch b.mode {
	case Closed:
		b.mu.Unlock()
		return proceed, 0
	case Open:
		if now.Before(b.openedUntil) {
			b.mu.Unlock()
			return shortCircuit, b.openedUntil.Sub(now)
		}
		// Transition to halfOpen on the first call after the deadline.
		b.mode = HalfOpen
		b.halfOpenInFlight = true
		b.mu.Unlock()
		b.notify(HalfOpen)
		return proceed, 0
	case HalfOpen:
		if b.halfOpenInFlight {
			// Another probe is already in flight; treat this call as if
			// the breaker were still open rather than letting two probes
			// race for the halfOpen->closed transition.
			b.mu.Unlock()
			return shortCircuit, b.cfg.OpenDuration
		}
		b.halfOpenInFlight = true
		b.mu.Unlock()
		return proceed, 0
	}
	b.mu.Unlock()
	return proceed, 0
}

// afterCall records the outcome, under lock, and drives transitions.
func (b *Breaker) afterCall(result *transport.Result) {
	b.mu.Lock()

	wasHalfOpen := b.mode == HalfOpen
	if wasHalfOpen {
		b.halfOpenInFlight = false
	}

	if result.IsSuccess() {
		b.consecutiveFailures = 0
		if wasHalfOpen {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.mode = Closed
				b.consecutiveSuccesses = 0
				b.mu.Unlock()
				b.notify(Closed)
				return
			}
		}
		b.mu.Unlock()
		return
	}

	// Failure. Any failure during a halfOpen probe reopens the breaker;
	// otherwise permanentLocal/permanentGlobal never count against it and
	// only transient and rateLimited do.
	f := result.Failure
	countable := f != nil && (f.Kind == transport.KindTransient || f.Kind == transport.KindRateLimited)

	if wasHalfOpen {
		// Any failure during the probe reopens the breaker.
		b.openBreaker(time.Now())
		b.mu.Unlock()
		b.notify(Open)
		return
	}

	if !countable {
		b.mu.Unlock()
		return
	}

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.openBreaker(time.Now())
		b.mu.Unlock()
		b.notify(Open)
		return
	}
	b.mu.Unlock()
}

func (b *Breaker) openBreaker(now time.Time) {
	b.mode = Open
	b.openedUntil = now.Add(b.cfg.OpenDuration)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = false
}

// Run executes fn through the breaker, short-circuiting with a synthetic
// transient Failure (carrying retryAfterMs) while open.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) *transport.Result) *transport.Result {
	now := time.Now()
	d, wait := b.beforeCall(now)
	if d == shortCircuit {
		return &transport.Result{Failure: &transport.Failure{
			Kind:         transport.KindTransient,
			RetryAfterMs: wait.Milliseconds(),
			Code:         "CIRCUIT_OPEN",
			Message:      "breaker for " + b.transportName + " is open",
		}}
	}

	result := fn(ctx)
	b.afterCall(result)
	return result
}

// Status returns a point-in-time snapshot for admin/observability use.
func (b *Breaker) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Mode:                 b.mode,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedUntil:          b.openedUntil,
	}
}

// Reset forces the breaker back to closed with zero counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.mode
	b.mode = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = false
	b.openedUntil = time.Time{}
	b.mu.Unlock()
	if prev != Closed {
		b.notify(Closed)
	}
}

// ForceOpen is the admin-interface hook that opens the breaker
// unconditionally for openDuration.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	prev := b.mode
	b.openBreaker(time.Now())
	b.mu.Unlock()
	if prev != Open {
		b.notify(Open)
	}
}
