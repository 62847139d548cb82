// Package circuitbreaker stops calling the inference service after repeated
// failures so a dead service fails a run quickly instead of exhausting every
// retry for every batch.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling the service while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialLimit is returned in the half-open state once the allowed number
	// of trial calls is in flight.
	ErrTrialLimit = errors.New("circuit breaker is testing the service")
)

// Counts covers the calls of the current window.
type Counts struct {
	Requests            uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// FailureRatio is Failures/Requests, zero before the first call.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

type Settings struct {
	Name string
	// TrialCalls is how many calls the half-open state lets through.
	TrialCalls uint32
	// Window resets the closed-state counts; zero keeps them until a transition.
	Window time.Duration
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	Trip     func(Counts) bool
	// Ignore reports errors that do not count as failures.
	Ignore        func(error) bool
	OnStateChange func(name string, from, to State)
}

type CircuitBreaker struct {
	settings Settings

	mu     sync.Mutex
	state  State
	epoch  uint64 // bumped on every transition; stale calls are not counted
	counts Counts
	until  time.Time
}

func New(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.TrialCalls == 0 {
		st.TrialCalls = 1
	}
	if st.Cooldown <= 0 {
		st.Cooldown = 30 * time.Second
	}
	if st.Trip == nil {
		st.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	cb := &CircuitBreaker{settings: st}
	cb.resetWindow(time.Now())
	return cb
}

// ForClassifier trips after three calls with a 60% failure ratio. Transitions
// go to the diagnostic log and the state gauge; cancelled calls never count.
func ForClassifier(name string) Settings {
	return Settings{
		Name:       name,
		TrialCalls: 3,
		Window:     10 * time.Second,
		Cooldown:   30 * time.Second,
		Trip: func(c Counts) bool {
			return c.Requests >= 3 && c.FailureRatio() >= 0.6
		},
		Ignore: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to State) {
			logger.Warnf("[BREAKER] %s changed from %s to %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.advance(time.Now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.counts
}

// Call runs fn unless the breaker rejects it. fn's error is returned as is.
func (cb *CircuitBreaker) Call(fn func() error) error {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		// A panicking call counts as a failure before the panic continues.
		cb.settle(epoch, ok)
	}()

	err = fn()
	ok = err == nil || (cb.settings.Ignore != nil && cb.settings.Ignore(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.advance(time.Now()) {
	case StateOpen:
		return cb.epoch, ErrOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.settings.TrialCalls {
			return cb.epoch, ErrTrialLimit
		}
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	if ok {
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.Failures++
	cb.counts.ConsecutiveFailures++
	if state == StateHalfOpen || cb.settings.Trip(cb.counts) {
		cb.transition(StateOpen, now)
	}
}

// advance applies time-based transitions and returns the current state.
func (cb *CircuitBreaker) advance(now time.Time) State {
	if cb.until.IsZero() || now.Before(cb.until) {
		return cb.state
	}
	switch cb.state {
	case StateClosed:
		cb.resetWindow(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.resetWindow(now)
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.until = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.settings.Window > 0 {
			cb.until = now.Add(cb.settings.Window)
		}
	case StateOpen:
		cb.until = now.Add(cb.settings.Cooldown)
	}
}
