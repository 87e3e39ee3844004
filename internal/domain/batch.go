package domain

import "time"

// SendType distinguishes immediate sends from scheduled ones.
type SendType string

const (
	SendImmediate SendType = "immediate"
	SendScheduled SendType = "scheduled"
)

// BatchStatus enumerates the lifecycle of a send batch.
type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchSending   BatchStatus = "sending"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// SendBatch summarizes one enqueue operation for a campaign.
type SendBatch struct {
	ID           string      `json:"id" db:"id"`
	CampaignID   string      `json:"campaign_id" db:"campaign_id"`
	Status       BatchStatus `json:"status" db:"status"`
	SendType     SendType    `json:"send_type" db:"send_type"`
	ScheduledAt  *time.Time  `json:"scheduled_at" db:"scheduled_at"`
	TotalCount   int         `json:"total_count" db:"total_count"`
	PendingCount int         `json:"pending_count" db:"pending_count"`
	SentCount    int         `json:"sent_count" db:"sent_count"`
	FailedCount  int         `json:"failed_count" db:"failed_count"`

	// Per-send overrides applied over campaign fields at send time.
	SubjectOverride   string `json:"subject_override,omitempty" db:"subject_override"`
	FromNameOverride  string `json:"from_name_override,omitempty" db:"from_name_override"`
	FromEmailOverride string `json:"from_email_override,omitempty" db:"from_email_override"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
