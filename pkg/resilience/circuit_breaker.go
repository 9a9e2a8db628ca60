// Package resilience wraps backend calls in circuit breakers so a
// failing provider sheds load fast instead of stacking timeouts.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/openclaw/gateway/pkg/observability"
)

// CircuitBreaker guards one backend. It opens after 5 consecutive
// failures, probes with up to 3 requests after 30 seconds, and closes on
// success.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewCircuitBreaker builds a breaker named after the backend it guards.
func NewCircuitBreaker(name string, logger observability.Logger) *CircuitBreaker {
	log := logger.WithPrefix("breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}
	return &CircuitBreaker{
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: log,
	}
}

// Execute runs fn under the breaker.
func (b *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker's current state name.
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}
