package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"a2a.mesh/internal/core/logger"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type Settings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	// FailureRatio trips the breaker once reached with at least MinRequests.
	FailureRatio float64
	// IsSuccessful decides whether err counts against the breaker.
	IsSuccessful func(err error) bool
}

// DefaultSettings mirrors the breaker used for every remote agent.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a new circuit breaker with default settings
func New(name string) *CircuitBreaker {
	return NewWithSettings(name, DefaultSettings())
}

func NewWithSettings(name string, s Settings) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	if s.IsSuccessful != nil {
		settings.IsSuccessful = s.IsSuccessful
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs the function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	return err
}

// ExecuteWithFallback runs the function with circuit breaker and fallback
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func() error, fallback func() error) error {
	err := cb.Execute(ctx, fn)
	if err == ErrCircuitOpen && fallback != nil {
		return fallback()
	}
	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Set keeps one breaker per remote agent.
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*CircuitBreaker
}

func NewSet(settings Settings) *Set {
	return &Set{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[key]
	if !ok {
		cb = NewWithSettings(key, s.settings)
		s.breakers[key] = cb
	}
	return cb
}

// States returns the state name of every known breaker.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]string, len(s.breakers))
	for key, cb := range s.breakers {
		states[key] = cb.State().String()
	}
	return states
}
