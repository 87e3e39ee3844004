package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
)

// campaignTransitions lists the legal moves out of each campaign status.
// Cancelling a schedule reverts scheduled or sending campaigns to draft.
// A sent campaign may be sent again, which opens a new send batch.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending},
	CampaignScheduled: {CampaignScheduled, CampaignSending, CampaignDraft},
	CampaignSending:   {CampaignSent, CampaignDraft},
	CampaignSent:      {CampaignScheduled, CampaignSending},
}

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	_, ok := campaignTransitions[s]
	return ok
}

// CanTransition reports whether a campaign may move from s to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, to := range campaignTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// CampaignSourcesFor returns every status that may transition into to,
// in a stable order. Repositories use it to build conditional updates.
func CampaignSourcesFor(to CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignSending, CampaignSent} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// CampaignType is the channel a campaign is sent on. It decides which
// consent flag gates delivery.
type CampaignType string

const (
	CampaignNewsletter  CampaignType = "newsletter"
	CampaignPromotional CampaignType = "promotional"
)

// Campaign is the slice of a campaign record the delivery subsystem reads
// and mutates. Content is always read fresh at send time.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Type        CampaignType   `json:"type" db:"type"`
	Subject     string         `json:"subject" db:"subject"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	ReplyTo     string         `json:"reply_to" db:"reply_to"`
	HTMLContent string         `json:"html_content" db:"html_content"`
	TextContent string         `json:"text_content" db:"text_content"`
	Status      CampaignStatus `json:"status" db:"status"`

	// Counters only ever move through relative SQL updates.
	SentCount   int `json:"sent_count" db:"sent_count"`
	FailedCount int `json:"failed_count" db:"failed_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ConsentField returns the consent flag that gates this campaign's channel.
func (c *Campaign) ConsentField() ConsentField {
	return ConsentFieldFor(c.Type)
}
