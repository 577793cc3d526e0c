// ABOUTME: Circuit breaker around a Moderator's Check so a failing policy engine
// ABOUTME: cannot stall the dispatcher; other methods pass straight through

package moderation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration
	// FailOpen allows contributions while the moderator is unavailable.
	FailOpen bool
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		FailOpen:    true,
	}
}

// Breaker wraps a Moderator with a circuit breaker on Check.
type Breaker struct {
	Moderator
	cb       *gobreaker.CircuitBreaker[Verdict]
	failOpen bool
	logger   *slog.Logger
}

var _ Moderator = (*Breaker)(nil)

// WithBreaker wraps inner.
func WithBreaker(inner Moderator, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}

	settings := gobreaker.Settings{
		Name:        "moderator",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &Breaker{
		Moderator: inner,
		cb:        gobreaker.NewCircuitBreaker[Verdict](settings),
		failOpen:  cfg.FailOpen,
		logger:    logger,
	}
}

// Check runs the inner check through the breaker. Failures never surface as
// errors: they become an allow or a retry-later verdict depending on FailOpen.
func (b *Breaker) Check(ctx context.Context, c Contribution) (Verdict, error) {
	v, err := b.cb.Execute(func() (Verdict, error) {
		return b.Moderator.Check(ctx, c)
	})
	if err == nil {
		return v, nil
	}

	b.logger.Warn("moderation check failed",
		"error", err,
		"session_id", c.SessionID,
		"type", c.Type,
		"fail_open", b.failOpen,
	)
	if b.failOpen {
		return Allow, nil
	}
	return Verdict{
		Reason:         "Moderation is temporarily unavailable",
		RequiredAction: ActionRetryLater,
	}, nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
