package domain

import "time"

// TransportType identifies the mail transport used for sending.
type TransportType string

const (
	TransportSES  TransportType = "ses"
	TransportSMTP TransportType = "smtp"
	// TransportLog only writes the message summary; nothing is delivered.
	TransportLog TransportType = "log"
)

// EmailMessage is the fully-resolved message handed to a transport.
// By the time a message reaches this struct, campaign content has been
// read fresh and batch overrides applied.
type EmailMessage struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	BatchID     string `json:"batch_id"`
	ContactID   string `json:"contact_id,omitempty"`
	Email       string `json:"email"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	ReplyTo     string `json:"reply_to"`
	Subject     string `json:"subject"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

// SendResult is returned by a transport after a successful handoff.
type SendResult struct {
	MessageID string        `json:"message_id"`
	Transport TransportType `json:"transport"`
	SentAt    time.Time     `json:"sent_at"`
}

// DeliveryLogEntry is one append-only audit row per terminal outcome.
type DeliveryLogEntry struct {
	ID         string      `json:"id" db:"id"`
	QueueID    string      `json:"queue_id" db:"queue_id"`
	CampaignID string      `json:"campaign_id" db:"campaign_id"`
	Email      string      `json:"email" db:"email"`
	Status     QueueStatus `json:"status" db:"status"`
	Response   string      `json:"response" db:"response"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
