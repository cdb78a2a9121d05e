// Package resilience provides a circuit breaker for outbound calls to
// endpoints that can degrade, such as notification services.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls.
	StateHalfOpen
)

func (s State) String() string {
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

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies the protected endpoint in logs and metrics.
	Name string

	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int

	// Cooldown is how long the circuit stays open before trial calls.
	Cooldown time.Duration

	// HalfOpenMaxCalls caps trial calls while half-open.
	HalfOpenMaxCalls int

	// OnStateChange, when set, is invoked on every transition.
	OnStateChange func(name string, from, to State)

	// IsSuccessful overrides the default "nil error is success" rule.
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker implements the circuit breaker pattern around a single endpoint.
type Breaker struct {
	config *BreakerConfig

	mu            sync.RWMutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	halfOpenCalls int

	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig("default")
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// Do runs fn under the breaker. When the circuit is open the call is
// rejected with a BreakerOpenError and fn never runs. The context is
// checked before the call so cancelled work is not counted as an
// endpoint failure.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return nil
		}
		b.totalRejected++
		return &BreakerOpenError{
			Name:     b.config.Name,
			RetryAt:  b.lastFailure.Add(b.config.Cooldown),
			Failures: b.failures,
		}

	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return nil
		}
		b.totalRejected++
		return &BreakerOpenError{
			Name:     b.config.Name,
			RetryAt:  time.Now().Add(time.Second),
			Failures: b.failures,
		}
	}

	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	success := err == nil
	if b.config.IsSuccessful != nil {
		success = b.config.IsSuccessful(err)
	}

	if success {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
}

func (b *Breaker) recordSuccess() {
	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMaxCalls {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.totalFailures++
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		// Any failure during the trial period re-opens the circuit.
		b.transition(StateOpen)
		b.successes = 0
	}
}

// transition must be called with the lock held. The callback runs on its
// own goroutine so it cannot deadlock against the breaker.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerMetrics{
		Name:            b.config.Name,
		State:           b.state.String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		CurrentFailures: b.failures,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}

// BreakerMetrics is a point-in-time view of a breaker's counters.
type BreakerMetrics struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	TotalCalls      int64  `json:"total_calls"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	CurrentFailures int    `json:"current_failures"`
}

// BreakerOpenError is returned when a call is rejected by an open circuit.
type BreakerOpenError struct {
	Name     string
	RetryAt  time.Time
	Failures int
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (failures=%d, retry at %s)",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339))
}

// RetryAfter returns the time remaining until the breaker admits a call.
func (e *BreakerOpenError) RetryAfter() time.Duration {
	d := time.Until(e.RetryAt)
	if d < 0 {
		return 0
	}
	return d
}

// Registry hands out one breaker per endpoint key, creating them on demand
// from a shared default configuration.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   *BreakerConfig
}

// NewRegistry creates a registry. A nil defaultConfig uses package defaults.
func NewRegistry(defaultConfig *BreakerConfig) *Registry {
	if defaultConfig == nil {
		defaultConfig = DefaultBreakerConfig("default")
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	config := &BreakerConfig{
		Name:             key,
		MaxFailures:      r.config.MaxFailures,
		Cooldown:         r.config.Cooldown,
		HalfOpenMaxCalls: r.config.HalfOpenMaxCalls,
		OnStateChange:    r.config.OnStateChange,
		IsSuccessful:     r.config.IsSuccessful,
	}

	b := NewBreaker(config)
	r.breakers[key] = b
	return b
}

// AllMetrics returns metrics for every breaker in the registry.
func (r *Registry) AllMetrics() []BreakerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics := make([]BreakerMetrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		metrics = append(metrics, b.Metrics())
	}
	return metrics
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
