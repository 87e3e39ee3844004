package domain

import "strings"

// ConsentField names one of a contact's per-channel consent flags. The
// value is the column name, so only the constants below are ever valid.
type ConsentField string

const (
	ConsentNewsletter ConsentField = "newsletter_consent"
	ConsentMarketing  ConsentField = "marketing_consent"
	ConsentSMS        ConsentField = "sms_consent"
)

// consentByType is the fixed channel to consent mapping.
var consentByType = map[CampaignType]ConsentField{
	CampaignNewsletter:  ConsentNewsletter,
	CampaignPromotional: ConsentMarketing,
}

// ConsentFieldFor returns the consent flag for a campaign channel. Unknown
// channels fall back to marketing consent, the strictest email flag.
func ConsentFieldFor(t CampaignType) ConsentField {
	if f, ok := consentByType[t]; ok {
		return f
	}
	return ConsentMarketing
}

// Valid reports whether f is one of the known consent columns.
func (f ConsentField) Valid() bool {
	switch f {
	case ConsentNewsletter, ConsentMarketing, ConsentSMS:
		return true
	}
	return false
}

// Contact is a CRM contact as seen by the delivery subsystem (read-only).
type Contact struct {
	ID                string `json:"id" db:"id"`
	Email             string `json:"email" db:"email"`
	NewsletterConsent bool   `json:"newsletter_consent" db:"newsletter_consent"`
	MarketingConsent  bool   `json:"marketing_consent" db:"marketing_consent"`
	SMSConsent        bool   `json:"sms_consent" db:"sms_consent"`
}

// HasConsent reports the value of the given consent flag.
func (c *Contact) HasConsent(f ConsentField) bool {
	switch f {
	case ConsentNewsletter:
		return c.NewsletterConsent
	case ConsentMarketing:
		return c.MarketingConsent
	case ConsentSMS:
		return c.SMSConsent
	}
	return false
}

// Recipient is one resolved destination. ContactID is empty for ad-hoc
// addresses that do not belong to a contact.
type Recipient struct {
	ContactID string `json:"contact_id,omitempty"`
	Email     string `json:"email"`
}

// Key is the deduplication key for a recipient address.
func (r Recipient) Key() string {
	return NormalizeEmail(r.Email)
}

// NormalizeEmail trims and lowercases an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
