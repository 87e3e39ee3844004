package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
)

// sesAPI is the subset of the SES v2 client we call.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds what the SES sender needs.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	client    sesAPI
	configSet string
}

// NewSESSender creates an SES sender. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log.Printf("[SES] Sender initialized (region=%s)", cfg.Region)
	return &SESSender{
		client:    sesv2.NewFromConfig(awsCfg),
		configSet: cfg.ConfigurationSet,
	}, nil
}

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("queue_id"), Value: aws.String(msg.ID)},
		},
	}

	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		de := classifySESError(err)
		logger.Warn("ses send failed", "email", msg.Email, "kind", de.Kind, "error", err)
		return nil, de
	}

	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses send ok", "email", msg.Email, "message_id", messageID)

	return &domain.SendResult{
		MessageID: messageID,
		Transport: domain.TransportSES,
		SentAt:    time.Now(),
	}, nil
}

// sesAccountCodes are API error codes that affect every message sent with
// these credentials, so retrying individual messages cannot help.
var sesAccountCodes = map[string]bool{
	"UnrecognizedClientException":        true,
	"InvalidClientTokenId":               true,
	"SignatureDoesNotMatch":              true,
	"AccessDeniedException":              true,
	"ExpiredTokenException":              true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"MailFromDomainNotVerifiedException": true,
}

// classifySESError maps an SES SDK error to a DeliveryError.
func classifySESError(err error) *DeliveryError {
	var (
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		mailFrom  *types.MailFromDomainNotVerifiedException
	)
	if errors.As(err, &suspended) || errors.As(err, &paused) || errors.As(err, &mailFrom) {
		return TransportError(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sesAccountCodes[apiErr.ErrorCode()] {
			return TransportError(err)
		}
		return MessageError(err)
	}

	// Our own send timeout is charged to the message, not the transport.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return MessageError(err)
	}

	// No API response at all: DNS, TCP or TLS failure reaching the endpoint.
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return TransportError(err)
	}
	return MessageError(err)
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
