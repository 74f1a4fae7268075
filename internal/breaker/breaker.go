// package breaker implements a per-dependency circuit breaker guarding
// calls to the upstream streaming API and the peer transfer daemon.
//
// A breaker passes calls through while closed, fails fast while open, and
// lets a single probe through once the open timeout elapses. Callers can
// distinguish "the dependency failed" from "we declined to try" by
// matching [ErrOpen] with [errors.Is].
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// ErrOpen is the sentinel matched by errors produced when a breaker
// declines a call without invoking the dependency.
var ErrOpen = errors.New("circuit breaker open")

// State represents the breaker's position.
type State int

const (
	// StateClosed passes calls through to the dependency.
	StateClosed State = iota
	// StateOpen fails calls fast without reaching the dependency.
	StateOpen
	// StateHalfOpen allows probe calls through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return ""
	}
}

// OpenError is returned when a breaker fails a call fast. It matches
// [ErrOpen] under [errors.Is].
type OpenError struct {
	Name  string    // Dependency name
	Until time.Time // When the next probe will be allowed
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open until %s", e.Name, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config holds the thresholds for a [Breaker].
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes the
	// breaker from half-open.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration
	// ResetTimeout is how long the closed breaker remembers failures;
	// after this long without a failure the count decays to zero.
	ResetTimeout time.Duration
}

// DefaultConfig returns the thresholds used when a dependency has no
// explicit configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		ResetTimeout:     5 * time.Minute,
	}
}

// Breaker guards calls to a single named dependency. Safe for concurrent
// use; every caller of Call mutates the shared counters under the mutex.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *log.Logger

	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastFailure time.Time
}

// New creates a closed [Breaker] for the named dependency.
func New(name string, cfg Config, logger *log.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: shared.WithLogger(logger, "breaker", name),
		state:  StateClosed,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call invokes fn through the breaker. While open and before the timeout
// elapses, fn is not invoked and an [*OpenError] is returned. Otherwise
// fn's own error is passed through after the breaker records the outcome.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// before checks admission and performs open→half-open transitions.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Timeout {
			return &OpenError{Name: b.name, Until: b.openedAt.Add(b.cfg.Timeout)}
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.logger.Info("allowing probe call", "state", b.state)
		metricBreakerState.WithLabelValues(b.name).Set(float64(b.state))
	case StateClosed:
		// transient failures long in the past do not count toward tripping
		if b.failures > 0 && now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.failures = 0
		}
	}

	return nil
}

// after records a call outcome and performs the resulting transitions.
func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if err != nil {
		b.lastFailure = now
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.open(now)
			}
		case StateHalfOpen:
			// probe failed, back to open
			b.open(now)
		}
		return
	}

	switch b.state {
	case StateClosed:
		// healthy; nothing to count
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("breaker closed, dependency recovered")
			metricBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
		}
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.successes = 0
	b.logger.Warn("breaker opened", "timeout", b.cfg.Timeout)
	metricBreakerState.WithLabelValues(b.name).Set(float64(StateOpen))
}

// Do invokes fn through the breaker, preserving its return value. The
// zero value of T is returned alongside an [*OpenError] when the breaker
// declines the call.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := b.Call(func() error {
		var callErr error
		result, callErr = fn()
		return callErr
	})
	return result, err
}
