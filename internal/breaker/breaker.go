package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/masshaul/masshaul/internal/logger"
)

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config holds circuit breaker tuning
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenRequests is the probe budget per half-open episode. That
	// many successes close the breaker; one failure reopens it.
	HalfOpenRequests int
	// OnStateChange is invoked after every transition, outside the lock.
	OnStateChange func(name, from, to string)
}

// DefaultConfig returns the standard breaker tuning
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenRequests: 2,
	}
}

// ErrOpen is returned by Allow while the breaker refuses calls. RetryAfter
// tells the caller how long to requeue the unit of work for.
type ErrOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Breaker guards one failure domain
type Breaker struct {
	name string
	cfg  Config
	log  *logger.Logger

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	openedAt            time.Time
	lastTransition      time.Time
	probesIssued        int
	probeSuccesses      int
}

// Snapshot is a point-in-time view for status APIs and logs
type Snapshot struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ProbesIssued        int           `json:"probes_issued,omitempty"`
	LastTransition      time.Time     `json:"last_transition"`
	RetryAfter          time.Duration `json:"retry_after,omitempty"`
}

// New creates a breaker for the named failure domain
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenRequests < 1 {
		cfg.HalfOpenRequests = 1
	}
	return &Breaker{
		name:           name,
		cfg:            cfg,
		log:            logger.Default().WithComponent("breaker"),
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// Allow reports whether a call may proceed. A nil return in half-open
// state consumes one probe slot; the caller must report the outcome via
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return &ErrOpen{Name: b.name, RetryAfter: remaining}
		}
		// Recovery window elapsed. Move to half-open and admit this
		// call as the first probe.
		b.transition(StateHalfOpen)
		b.probesIssued = 1
		b.probeSuccesses = 0
		b.mu.Unlock()
		return nil

	case StateHalfOpen:
		if b.probesIssued < b.cfg.HalfOpenRequests {
			b.probesIssued++
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		return &ErrOpen{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout}

	default:
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess reports a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenRequests {
			b.consecutiveFailures = 0
			b.probesIssued = 0
			b.probeSuccesses = 0
			b.transition(StateClosed)
		}
	}

	b.mu.Unlock()
}

// RecordFailure reports a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		// A failed probe reopens the breaker and restarts the clock.
		b.openedAt = time.Now()
		b.probesIssued = 0
		b.probeSuccesses = 0
		b.transition(StateOpen)
	}

	b.mu.Unlock()
}

// State returns the current state
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long callers should wait before the breaker is
// worth trying again. Zero when the breaker admits calls.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns a point-in-time view
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		ProbesIssued:        b.probesIssued,
		LastTransition:      b.lastTransition,
	}
	if b.state == StateOpen {
		if remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt); remaining > 0 {
			snap.RetryAfter = remaining
		}
	}
	return snap
}

// transition switches state. Callers hold b.mu; the change notification
// runs on its own goroutine so subscribers cannot deadlock the breaker.
func (b *Breaker) transition(to string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = time.Now()

	b.log.Info(context.Background(), "breaker state change", map[string]interface{}{
		"domain": b.name,
		"from":   from,
		"to":     to,
	})

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}
