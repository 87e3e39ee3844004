package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to QueueStatus
		want     bool
	}{
		{QueuePending, QueueSending, true},
		{QueuePending, QueueCancelled, true},
		{QueueRetry, QueueSending, true},
		{QueueRetry, QueueCancelled, false},
		{QueueSending, QueueSent, true},
		{QueueSending, QueueRetry, true},
		{QueueSending, QueueFailed, true},
		{QueueSending, QueueSkipped, true},
		{QueueSending, QueueCancelled, false},
		{QueueSent, QueueSending, false},
		{QueueFailed, QueueRetry, false},
		{QueueCancelled, QueuePending, false},
		{QueuePending, QueueSent, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestQueueStatus_IsTerminal(t *testing.T) {
	for _, s := range []QueueStatus{QueueSent, QueueFailed, QueueSkipped, QueueCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []QueueStatus{QueuePending, QueueRetry, QueueSending} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, QueueStatus("dead_letter").IsTerminal())
}

func TestQueueSourcesFor(t *testing.T) {
	assert.Equal(t, []QueueStatus{QueuePending, QueueRetry}, QueueSourcesFor(QueueSending))
	assert.Equal(t, []QueueStatus{QueuePending}, QueueSourcesFor(QueueCancelled))
	assert.Equal(t, []QueueStatus{QueueSending}, QueueSourcesFor(QueueRetry))
}

func TestCampaignStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to CampaignStatus
		want     bool
	}{
		{CampaignDraft, CampaignScheduled, true},
		{CampaignDraft, CampaignSending, true},
		{CampaignDraft, CampaignSent, false},
		{CampaignScheduled, CampaignDraft, true},
		{CampaignScheduled, CampaignScheduled, true},
		{CampaignSending, CampaignScheduled, false},
		{CampaignSending, CampaignSent, true},
		{CampaignSent, CampaignDraft, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCampaignSourcesFor(t *testing.T) {
	assert.Equal(t, []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignSent}, CampaignSourcesFor(CampaignSending))
	assert.Equal(t, []CampaignStatus{CampaignScheduled, CampaignSending}, CampaignSourcesFor(CampaignDraft))
}

func TestScheduleStatus_CanTransition(t *testing.T) {
	assert.True(t, ScheduleActive.CanTransition(ScheduleCancelled))
	assert.False(t, ScheduleCancelled.CanTransition(ScheduleActive))
	assert.False(t, ScheduleCancelled.CanTransition(ScheduleCancelled))
}

func TestConsentFieldFor(t *testing.T) {
	assert.Equal(t, ConsentNewsletter, ConsentFieldFor(CampaignNewsletter))
	assert.Equal(t, ConsentMarketing, ConsentFieldFor(CampaignPromotional))
	assert.Equal(t, ConsentMarketing, ConsentFieldFor("sms_blast"))

	c := &Contact{NewsletterConsent: true}
	assert.True(t, c.HasConsent(ConsentNewsletter))
	assert.False(t, c.HasConsent(ConsentMarketing))
	assert.False(t, c.HasConsent(ConsentField("bogus")))
}

func TestRecipientSpec_SelectionType(t *testing.T) {
	assert.Equal(t, SelectAll, RecipientSpec{}.SelectionType())
	assert.Equal(t, SelectGroups, RecipientSpec{GroupIDs: []string{"g"}}.SelectionType())
	assert.Equal(t, SelectEmails, RecipientSpec{Emails: []string{"a@x.com"}}.SelectionType())
	assert.Equal(t, SelectMixed, RecipientSpec{ContactIDs: []string{"1"}, GroupIDs: []string{"g"}}.SelectionType())
	assert.True(t, RecipientSpec{}.IsEmpty())
}

func TestStatusCounts(t *testing.T) {
	c := NewStatusCounts()
	assert.Len(t, c, len(QueueStatuses))
	c[QueueSent] = 3
	c[QueueFailed] = 1
	assert.Equal(t, 4, c.Total())
}
