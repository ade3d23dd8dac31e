package collaborators

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

// BreakerGroup holds one circuit breaker per named collaborator (source,
// merger, executor, nodepool, config loader), so a flapping collaborator
// degrades to fast failures instead of stalling a pipeline tick.
type BreakerGroup struct {
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerGroup creates breakers for the given collaborator names using
// sensible defaults (trip after 5 consecutive failures, half-open after
// 30s).
func NewBreakerGroup(names ...string) *BreakerGroup {
	g := &BreakerGroup{breakers: make(map[string]*gobreaker.CircuitBreaker, len(names))}
	for _, name := range names {
		settings := gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
		g.breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}
	return g
}

// Call runs fn through the named collaborator's breaker, wrapping any
// resulting error (including a trip) as a network OperationError.
func Call[T any](ctx context.Context, g *BreakerGroup, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	breaker, ok := g.breakers[name]
	var zero T
	if !ok {
		return fn(ctx)
	}
	result, err := breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, sharederrors.NetworkError("call", name, err)
	}
	return result.(T), nil
}

// State reports the current state of the named collaborator's breaker.
func (g *BreakerGroup) State(name string) gobreaker.State {
	if b, ok := g.breakers[name]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}
