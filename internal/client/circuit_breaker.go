package client

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected by an open circuit or
// by a half-open circuit that already has its trial call in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// CircuitBreaker stops forwarding to a failing downstream for a cool-down
// period. It is safe for concurrent use.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a CircuitBreaker that opens after maxFailures
// consecutive failures and admits one trial call once timeout has passed.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	threshold := uint32(maxFailures)
	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "flight-forward",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
			},
		}),
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	return b.cb.State()
}

// Do runs fn if the circuit allows it and records the outcome.
func (b *CircuitBreaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
