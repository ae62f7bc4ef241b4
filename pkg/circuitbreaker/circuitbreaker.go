package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	Name string
	// MaxFailures consecutive failures trip the breaker.
	MaxFailures int
	Interval    time.Duration
	Timeout     time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure func(error) bool
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	maxFailures := settings.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	isFailure := settings.IsFailure

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        settings.Name,
			MaxRequests: 1,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(maxFailures)
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				if isFailure == nil {
					return false
				}
				return !isFailure(err)
			},
		}),
	}
}

// Execute runs fn unless the breaker is open. Errors from fn are returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the breaker state name (closed, half-open, open).
func (cb *CircuitBreaker) State() string {
	return cb.cb.State().String()
}
