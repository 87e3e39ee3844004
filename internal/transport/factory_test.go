package transport

import (
	"context"
	"testing"

	"github.com/ignite/campaign-delivery/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.TransportConfig{Driver: "log"})
	require.NoError(t, err)
	assert.IsType(t, &DryRunSender{}, s)

	s, err = New(ctx, config.TransportConfig{Driver: "smtp", SMTP: config.SMTPConfig{Host: "smtp.ignite.test"}})
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	s, err = New(ctx, config.TransportConfig{
		Driver:  "log",
		Breaker: config.BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenSeconds: 5},
	})
	require.NoError(t, err)
	b, ok := s.(*BreakerSender)
	require.True(t, ok)
	assert.Equal(t, "closed", b.State())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), config.TransportConfig{Driver: "smtp"})
	assert.Error(t, err, "smtp needs a host")

	_, err = New(context.Background(), config.TransportConfig{Driver: "pigeon"})
	assert.Error(t, err)
}
