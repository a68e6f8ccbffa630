package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/luciancaetano/relaysession"
)

// BreakerConfig defines when the dial circuit opens.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that opens the circuit. Default 5.
	MaxFailures uint32 `mapstructure:"max_failures"`
	// OpenTimeout is how long the circuit stays open before a trial dial. Default 30s.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// HalfOpenRequests is the number of trial dials allowed while half-open. Default 1.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerDialer fails dials fast while the relay keeps refusing them.
type BreakerDialer struct {
	next relaysession.Dialer
	cb   *gobreaker.CircuitBreaker
}

var _ relaysession.Dialer = (*BreakerDialer)(nil)

// NewBreakerDialer wraps next with a circuit breaker.
func NewBreakerDialer(next relaysession.Dialer, cfg BreakerConfig, logger *slog.Logger) *BreakerDialer {
	d := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = d.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}
	logger = loggerOr(logger)

	return &BreakerDialer{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay-dial",
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("transport: dial breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *BreakerDialer) Dial(ctx context.Context, url string, events relaysession.TransportEvents) (relaysession.Transport, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Dial(ctx, url, events)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &relaysession.ConnectionError{Op: "dial", URL: url, Err: err}
		}
		return nil, err
	}
	return res.(relaysession.Transport), nil
}

// State returns the breaker state.
func (b *BreakerDialer) State() gobreaker.State {
	return b.cb.State()
}
