package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// ErrProviderUnavailable is returned while the circuit breaker of a hosted
// model is open
var ErrProviderUnavailable = errors.New("model provider is temporarily unavailable")

// GuardConfig bounds the traffic sent to a hosted model
type GuardConfig struct {
	// RPM - requests per minute (0 = unlimited)
	RPM int

	// Burst size for the rate limiter
	Burst int

	// FailureThreshold - consecutive failures that open the breaker (0 = never)
	FailureThreshold uint32

	// OpenTimeout - how long the breaker stays open before a trial request
	OpenTimeout time.Duration
}

// DefaultGuardConfig suits the free tier of the hosted providers
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RPM:              30,
		Burst:            5,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Guarded wraps a hosted model Scanner with a rate limiter and a circuit
// breaker. Waiting for the limiter counts against the caller's deadline.
type Guarded struct {
	next    Scanner
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Result]
}

// NewGuarded creates a Guarded scanner
func NewGuarded(next Scanner, cfg GuardConfig) *Guarded {
	g := &Guarded{next: next}

	if cfg.RPM > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), burst)
	}

	threshold := cfg.FailureThreshold
	g.breaker = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		// a caller giving up is not a provider failure, and neither is a missing key
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMissingAPIKey)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Model provider circuit changed state", "provider", name, "from", from.String(), "to", to.String())
		},
	})

	return g
}

// ScanReceipt waits for the rate limiter and runs the wrapped scanner
// through the circuit breaker
func (g *Guarded) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("waiting for rate limit: %w", ctxErr)
			}
			// the limiter refuses early when the next token would arrive after the deadline
			return nil, fmt.Errorf("waiting for rate limit: %w: %v", context.DeadlineExceeded, err)
		}
	}

	result, err := g.breaker.Execute(func() (*Result, error) {
		return g.next.ScanReceipt(ctx, imageData, contentType)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", g.next.Name(), ErrProviderUnavailable)
	}
	return result, err
}

func (g *Guarded) Name() string {
	return g.next.Name()
}

func (g *Guarded) Close() error {
	return g.next.Close()
}
