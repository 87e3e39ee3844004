package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/textproto"
	"time"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"
	"github.com/ignite/campaign-delivery/internal/domain"
)

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// SSL selects implicit TLS (port 465). Otherwise STARTTLS is used when
	// the server offers it.
	SSL                bool
	InsecureSkipVerify bool
	LocalName          string
}

// SMTPSender relays each message through an SMTP server. A connection is
// dialed per message.
type SMTPSender struct {
	dialer *gomail.Dialer
	host   string
}

// NewSMTPSender creates a gomail-backed sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		if cfg.SSL {
			cfg.Port = 465
		} else {
			cfg.Port = 587
		}
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	d.LocalName = cfg.LocalName
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}

	log.Printf("[SMTP] Sender initialized (%s:%d ssl=%v)", cfg.Host, cfg.Port, cfg.SSL)
	return &SMTPSender{dialer: d, host: cfg.Host}
}

// Send composes msg as MIME and relays it. The SMTP exchange has no
// cancellation of its own, so ctx only bounds how long the caller waits.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.Email)
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), s.host)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Campaign-ID", msg.CampaignID)

	if msg.TextContent != "" {
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	} else {
		m.SetBody("text/html", msg.HTMLContent)
	}

	done := make(chan error, 1)
	go func() { done <- s.deliver(msg.FromEmail, msg.Email, m) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, MessageError(ctx.Err())
	}

	return &domain.SendResult{
		MessageID: messageID,
		Transport: domain.TransportSMTP,
		SentAt:    time.Now(),
	}, nil
}

func (s *SMTPSender) deliver(from, to string, m *gomail.Message) error {
	sc, err := s.dialer.Dial()
	if err != nil {
		// Greeting, STARTTLS and AUTH all happen in Dial: a failure here is
		// the relay, not the recipient.
		de := TransportError(err)
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			de.Code = tpErr.Code
		}
		return de
	}
	defer sc.Close()

	if err := sc.Send(from, []string{to}, m); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

// smtpTransportCodes are replies that mean the relay will refuse every
// message, not just this one.
var smtpTransportCodes = map[int]bool{
	421: true, // service not available
	454: true, // temporary authentication failure
	530: true, // authentication required
	534: true, // authentication mechanism too weak
	535: true, // authentication credentials invalid
}

// classifySMTPError maps an error from the MAIL/RCPT/DATA exchange.
func classifySMTPError(err error) *DeliveryError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		de := MessageError(err)
		if smtpTransportCodes[tpErr.Code] {
			de = TransportError(err)
		}
		de.Code = tpErr.Code
		de.Message = tpErr.Msg
		return de
	}
	// No SMTP reply: the connection broke mid-exchange.
	return TransportError(err)
}
