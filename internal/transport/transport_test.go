package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(email string) *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:          "q-1",
		CampaignID:  "c-1",
		BatchID:     "b-1",
		Email:       email,
		FromName:    "Ignite",
		FromEmail:   "news@ignite.test",
		Subject:     "Spring sale",
		HTMLContent: "<p>hello</p>",
		TextContent: "hello",
	}
}

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransport, KindOf(TransportError(errors.New("dial tcp: refused"))))
	assert.Equal(t, KindMessage, KindOf(MessageError(errors.New("mailbox unknown"))))
	assert.Equal(t, KindMessage, KindOf(errors.New("unclassified")))

	wrapped := fmt.Errorf("send: %w", TransportError(errors.New("auth")))
	assert.True(t, IsTransportFailure(wrapped))
	assert.False(t, IsTransportFailure(nil))
}

func TestDeliveryError_Format(t *testing.T) {
	de := &DeliveryError{Kind: KindMessage, Code: 550, Message: "no such user"}
	assert.Equal(t, "message error 550: no such user", de.Error())

	de = TransportError(errors.New("connection refused"))
	assert.Equal(t, "transport error: connection refused", de.Error())
}

func TestClassifySESError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"account suspended", &types.AccountSuspendedException{Message: aws.String("suspended")}, KindTransport},
		{"sending paused", &types.SendingPausedException{Message: aws.String("paused")}, KindTransport},
		{"bad credentials", &smithy.GenericAPIError{Code: "UnrecognizedClientException"}, KindTransport},
		{"signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, KindTransport},
		{"message rejected", &types.MessageRejected{Message: aws.String("Email address is not verified")}, KindMessage},
		{"throttled", &types.TooManyRequestsException{Message: aws.String("slow down")}, KindMessage},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindTransport},
		{"dns", &net.DNSError{Err: "no such host", Name: "email.us-east-1.amazonaws.com"}, KindTransport},
		{"our timeout", fmt.Errorf("operation error: %w", context.DeadlineExceeded), KindMessage},
		{"unknown", errors.New("boom"), KindMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySESError(tt.err).Kind)
		})
	}
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{550, KindMessage},
		{552, KindMessage},
		{451, KindMessage},
		{421, KindTransport},
		{535, KindTransport},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			de := classifySMTPError(&textproto.Error{Code: tt.code, Msg: "reply"})
			assert.Equal(t, tt.want, de.Kind)
			assert.Equal(t, tt.code, de.Code)
		})
	}

	assert.Equal(t, KindTransport, classifySMTPError(errors.New("EOF")).Kind)
}

// =============================================================================
// SES SENDER TESTS
// =============================================================================

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0001")}, nil
}

func TestSESSender_Send(t *testing.T) {
	fake := &fakeSES{}
	s := &SESSender{client: fake, configSet: "campaigns"}

	msg := testMessage("alice@example.com")
	msg.ReplyTo = "support@ignite.test"
	res, err := s.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "ses-0001", res.MessageID)
	assert.Equal(t, domain.TransportSES, res.Transport)
	assert.Equal(t, "Ignite <news@ignite.test>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, []string{"alice@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, []string{"support@ignite.test"}, fake.input.ReplyToAddresses)
	assert.Equal(t, "campaigns", aws.ToString(fake.input.ConfigurationSetName))
	assert.Equal(t, "Spring sale", aws.ToString(fake.input.Content.Simple.Subject.Data))
	assert.Equal(t, "hello", aws.ToString(fake.input.Content.Simple.Body.Text.Data))
}

func TestSESSender_ClassifiesFailure(t *testing.T) {
	s := &SESSender{client: &fakeSES{err: &types.MessageRejected{Message: aws.String("rejected")}}}
	_, err := s.Send(context.Background(), testMessage("bob@example.com"))
	require.Error(t, err)
	assert.Equal(t, KindMessage, KindOf(err))

	s = &SESSender{client: &fakeSES{err: &types.AccountSuspendedException{Message: aws.String("suspended")}}}
	_, err = s.Send(context.Background(), testMessage("bob@example.com"))
	assert.True(t, IsTransportFailure(err))
}

// =============================================================================
// SMTP SENDER TESTS
// =============================================================================

// fakeSMTPServer speaks just enough SMTP for gomail. Recipients listed in
// reject get a 550 on RCPT.
type fakeSMTPServer struct {
	ln     net.Listener
	reject map[string]bool

	mu       sync.Mutex
	messages []string
}

func newFakeSMTPServer(t *testing.T, reject ...string) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTPServer{ln: ln, reject: map[string]bool{}}
	for _, r := range reject {
		s.reject[r] = true
	}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }

	reply("220 fake.test ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake.test")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			addr := strings.Trim(strings.TrimSpace(line[len("RCPT TO:"):]), "<>")
			if s.reject[strings.ToLower(addr)] {
				reply("550 5.1.1 mailbox unavailable")
			} else {
				reply("250 OK")
			}
		case cmd == "DATA":
			reply("354 go ahead")
			var body bytes.Buffer
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, body.String())
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "RSET", cmd == "NOOP":
			reply("250 OK")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *fakeSMTPServer) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func TestSMTPSender_Send(t *testing.T) {
	srv := newFakeSMTPServer(t)
	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), LocalName: "test"})

	res, err := sender.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransportSMTP, res.Transport)
	assert.True(t, strings.HasPrefix(res.MessageID, "<"))

	msgs := srv.delivered()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Subject: Spring sale")
	assert.Contains(t, msgs[0], "To: alice@example.com")
	assert.Contains(t, msgs[0], "X-Campaign-ID: c-1")
}

func TestSMTPSender_RecipientRejected(t *testing.T) {
	srv := newFakeSMTPServer(t, "bounce@example.com")
	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), LocalName: "test"})

	_, err := sender.Send(context.Background(), testMessage("bounce@example.com"))
	require.Error(t, err)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindMessage, de.Kind)
	assert.Equal(t, 550, de.Code)
	assert.Empty(t, srv.delivered())
}

func TestSMTPSender_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port})
	_, err = sender.Send(context.Background(), testMessage("alice@example.com"))
	assert.True(t, IsTransportFailure(err))
}

// =============================================================================
// BREAKER TESTS
// =============================================================================

type scriptedSender struct {
	calls atomic.Int32
	err   error
}

func (s *scriptedSender) Send(context.Context, *domain.EmailMessage) (*domain.SendResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.SendResult{MessageID: "ok", SentAt: time.Now()}, nil
}

func TestBreakerSender_OpensOnTransportFailures(t *testing.T) {
	inner := &scriptedSender{err: TransportError(errors.New("connection refused"))}
	b := NewBreakerSender(inner, BreakerConfig{Name: "test", ConsecutiveFailures: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := b.Send(context.Background(), testMessage("a@example.com"))
		assert.True(t, IsTransportFailure(err))
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Send(context.Background(), testMessage("a@example.com"))
	assert.True(t, IsTransportFailure(err), "open breaker fails as transport")
	assert.Equal(t, int32(3), inner.calls.Load(), "open breaker does not reach the relay")
}

func TestBreakerSender_MessageFailuresDoNotTrip(t *testing.T) {
	inner := &scriptedSender{err: MessageError(errors.New("mailbox unknown"))}
	b := NewBreakerSender(inner, BreakerConfig{Name: "test", ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := b.Send(context.Background(), testMessage("a@example.com"))
		require.Error(t, err)
		assert.Equal(t, KindMessage, KindOf(err))
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestBreakerSender_PassesResult(t *testing.T) {
	b := NewBreakerSender(&scriptedSender{}, DefaultBreakerConfig())
	res, err := b.Send(context.Background(), testMessage("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.MessageID)
}

func TestBreakerOf(t *testing.T) {
	inner := &scriptedSender{}
	b := NewBreakerSender(inner, DefaultBreakerConfig())

	assert.Same(t, b, BreakerOf(b))
	assert.Same(t, b, BreakerOf(NewRateLimitedSender(b, nil, "ses", RateLimit{PerSecond: 1})), "through the rate limiter")
	assert.Nil(t, BreakerOf(inner))
	assert.Nil(t, BreakerOf(NewRateLimitedSender(inner, nil, "ses", RateLimit{PerSecond: 1})))
}

func TestDryRunSender(t *testing.T) {
	var buf bytes.Buffer
	res, err := NewDryRunSender(&buf).Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransportLog, res.Transport)
	assert.Contains(t, buf.String(), "al***@example.com")
	assert.NotContains(t, buf.String(), "alice@example.com")
}
