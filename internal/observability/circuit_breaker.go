package observability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// BreakerStateValue represents the state of the circuit breaker.
type BreakerStateValue int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed BreakerStateValue = iota
	// StateOpen indicates the circuit is open and operations are blocked for a cool-down period.
	StateOpen
	// StateHalfOpen indicates a trial state where one operation probes recovery.
	StateHalfOpen
)

func (s BreakerStateValue) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern around one external
// target (a storage client or a webhook host). closed → open after
// maxFailures consecutive failures; open → half-open after coolDown;
// half-open → closed on one success, back to open on failure.
type Breaker struct {
	mu sync.Mutex

	name        string
	maxFailures int
	coolDown    time.Duration

	state        BreakerStateValue
	failureCount int
	openedAt     time.Time
}

// NewBreaker creates a breaker for the named target.
func NewBreaker(name string, maxFailures int, coolDown time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		coolDown:    coolDown,
		state:       StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open →
// half-open once the cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.coolDown {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the circuit from half-open and clears failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// Any failure in half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.maxFailures {
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.setState(StateOpen)
	}
}

// Do runs fn under the breaker, refusing with ErrBreakerOpen when open.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("op=breaker.Do target=%s: %w", b.name, domain.ErrBreakerOpen)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerStateValue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerStateValue) {
	if b.state == s {
		return
	}
	old := b.state
	b.state = s
	b.failureCount = 0
	BreakerState.WithLabelValues(b.name).Set(float64(s))
	slog.Warn("circuit breaker state change",
		slog.String("target", b.name),
		slog.String("from", old.String()),
		slog.String("to", s.String()))
}

// BreakerSet hands out one breaker per target name, creating on demand.
// Used for per-host webhook breakers.
type BreakerSet struct {
	mu          sync.Mutex
	maxFailures int
	coolDown    time.Duration
	breakers    map[string]*Breaker
}

// NewBreakerSet creates a set whose members share the same thresholds.
func NewBreakerSet(maxFailures int, coolDown time.Duration) *BreakerSet {
	return &BreakerSet{
		maxFailures: maxFailures,
		coolDown:    coolDown,
		breakers:    make(map[string]*Breaker),
	}
}

// For returns the breaker for the named target.
func (s *BreakerSet) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.maxFailures, s.coolDown)
		s.breakers[name] = b
	}
	return b
}
