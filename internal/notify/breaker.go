package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig trips the circuit after Failures consecutive errors and
// probes again after Cooldown.
type BreakerConfig struct {
	Failures uint32
	Cooldown time.Duration
}

// BreakerSender guards a Sender with a circuit breaker so a dead relay costs
// one fast failure per message instead of a full timeout.
type BreakerSender struct {
	inner   Sender
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps inner.
func NewBreakerSender(inner Sender, cfg BreakerConfig, logger *zap.Logger) *BreakerSender {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "notify-relay",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerSender{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Send forwards to the wrapped sender unless the circuit is open.
func (b *BreakerSender) Send(ctx context.Context, pubkey, text string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, pubkey, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrNotifierUnavailable, err)
	}
	return err
}

// State reports closed, half-open or open.
func (b *BreakerSender) State() string {
	return b.breaker.State().String()
}
