package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
)

// DryRunSender accepts every message and writes a one-line summary to out.
// Used by the "log" driver for local runs.
type DryRunSender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewDryRunSender creates a sender that writes to out.
func NewDryRunSender(out io.Writer) *DryRunSender {
	return &DryRunSender{out: out}
}

// Send implements Sender.
func (s *DryRunSender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	id := uuid.New().String()

	s.mu.Lock()
	fmt.Fprintf(s.out, "------> MAIL FROM: %s TO: %s SUBJECT: %q ID: %s\n",
		msg.FromEmail, logger.RedactEmail(msg.Email), msg.Subject, id)
	s.mu.Unlock()

	return &domain.SendResult{MessageID: id, Transport: domain.TransportLog, SentAt: time.Now()}, nil
}
