package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker in front of a Sender.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before letting a trial send through.
	Timeout time.Duration
	// ConsecutiveFailures of transport kind that trip the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "mail-transport",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerSender wraps a Sender in a circuit breaker. Only transport-kind
// failures count against the breaker; a rejected recipient says nothing
// about the relay's health. While open, sends fail fast as transport
// failures without reaching the relay.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next.
func NewBreakerSender(next Sender, cfg BreakerConfig) *BreakerSender {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	threshold := cfg.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerSender{next: next, cb: cb}
}

// sendOutcome carries the inner result through Execute so per-message
// failures can be reported as breaker successes.
type sendOutcome struct {
	result *domain.SendResult
	err    error
}

// Send implements Sender.
func (b *BreakerSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		res, err := b.next.Send(ctx, msg)
		if IsTransportFailure(err) {
			return nil, err
		}
		return sendOutcome{result: res, err: err}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &DeliveryError{Kind: KindTransport, Message: "circuit " + err.Error(), Err: err}
		}
		return nil, err
	}
	o := out.(sendOutcome)
	return o.result, o.err
}

// State reports the breaker state: "closed", "half-open" or "open".
func (b *BreakerSender) State() string {
	return b.cb.State().String()
}

// BreakerOf returns the circuit breaker in s's wrapping chain, or nil when
// the transport runs without one.
func BreakerOf(s Sender) *BreakerSender {
	for {
		switch v := s.(type) {
		case *BreakerSender:
			return v
		case *RateLimitedSender:
			s = v.next
		default:
			return nil
		}
	}
}
