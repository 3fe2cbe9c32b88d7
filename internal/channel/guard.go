package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-hub/pkg/circuitbreaker"
)

type GuardConfig struct {
	Name    string
	Timeout time.Duration
	// RatePerSecond <= 0 disables throttling.
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

func DefaultGuardConfig(name string) GuardConfig {
	return GuardConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		RatePerSecond:   20,
		Burst:           20,
		BreakerFailures: 10,
		BreakerTimeout:  30 * time.Second,
	}
}

// Guarded bounds every call to the wrapped sender with a timeout, a rate limit
// and a circuit breaker. A sender that ignores its context still returns on time.
type Guarded struct {
	next    Sender
	timeout time.Duration
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

func Guard(next Sender, cfg GuardConfig) *Guarded {
	g := &Guarded{
		next:    next,
		timeout: cfg.Timeout,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        cfg.Name,
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			IsFailure: func(err error) bool {
				return !IsPermanent(err) && !errors.Is(err, ErrNoSession) && !errors.Is(err, ErrForwarded)
			},
		}),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

func (g *Guarded) Send(ctx context.Context, msg Message) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limited: %w", err)
		}
	}

	return g.breaker.Execute(func() error {
		done := make(chan error, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("sender panic: %v", p)
				}
			}()
			done <- g.next.Send(ctx, msg)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("send timed out: %w", ctx.Err())
		}
	})
}
