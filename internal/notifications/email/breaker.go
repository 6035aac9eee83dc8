package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conclav/conclav-notify/internal/notifications"
	"github.com/sony/gobreaker"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit after this many transient failures in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	// HalfOpenRequests is how many probes are let through while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerTransport stops calling an unhealthy provider for a while after
// repeated transient failures. Permanent failures, such as a rejected
// address, do not count against the provider.
type BreakerTransport struct {
	next notifications.Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next with a circuit breaker.
func NewBreakerTransport(next notifications.Transport, config BreakerConfig) *BreakerTransport {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("email transport circuit state changed",
				"transport", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &BreakerTransport{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Name returns the wrapped transport name.
func (t *BreakerTransport) Name() string {
	return t.next.Name()
}

// Send forwards msg unless the circuit is open. An open circuit yields a
// retryable error so the group is tried again later.
func (t *BreakerTransport) Send(ctx context.Context, msg notifications.Message) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return notifications.NewRetryableError(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
	}
	return err
}

// State returns the current circuit state.
func (t *BreakerTransport) State() gobreaker.State {
	return t.cb.State()
}

func isTransient(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
