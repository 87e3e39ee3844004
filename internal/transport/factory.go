package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/ignite/campaign-delivery/internal/config"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// New builds the Sender selected by cfg.Driver, wrapped in a circuit
// breaker when cfg.Breaker.Enabled is set.
func New(ctx context.Context, cfg config.TransportConfig) (Sender, error) {
	var (
		s   Sender
		err error
	)
	switch domain.TransportType(cfg.Driver) {
	case domain.TransportSES:
		s, err = NewSESSender(ctx, SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	case domain.TransportSMTP:
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("smtp transport: host is required")
		}
		s = NewSMTPSender(SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			SSL:                cfg.SMTP.SSL,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			LocalName:          cfg.SMTP.LocalName,
		})
	case domain.TransportLog:
		s = NewDryRunSender(os.Stdout)
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Breaker.Enabled {
		return s, nil
	}
	bc := DefaultBreakerConfig()
	bc.Name = cfg.Driver + "-transport"
	if cfg.Breaker.ConsecutiveFailures > 0 {
		bc.ConsecutiveFailures = uint32(cfg.Breaker.ConsecutiveFailures)
	}
	if cfg.Breaker.OpenSeconds > 0 {
		bc.Timeout = cfg.Breaker.OpenTimeout()
	}
	return NewBreakerSender(s, bc), nil
}

// WithRateLimit puts the configured send caps in front of s. Without Redis
// or without limits s is returned unchanged.
func WithRateLimit(s Sender, client *redis.Client, cfg config.TransportConfig) Sender {
	limit := RateLimit{
		PerSecond: cfg.RateLimit.PerSecond,
		PerMinute: cfg.RateLimit.PerMinute,
		Daily:     cfg.RateLimit.Daily,
	}
	if limit.IsZero() {
		return s
	}
	if client == nil {
		logger.Warn("transport rate limit configured without redis, sending unthrottled", "transport", cfg.Driver)
		return s
	}
	return NewRateLimitedSender(s, client, cfg.Driver, limit)
}
