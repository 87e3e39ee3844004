package delivery

import (
	"context"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
)

// Repository defines the data access contract for the delivery service.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetCampaign returns a single campaign. Returns ErrCampaignNotFound if
	// it doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// ContactsByIDs returns the contacts among ids that have the consent
	// flag set and a non-empty email, in the order of ids.
	ContactsByIDs(ctx context.Context, ids []string, consent domain.ConsentField) ([]domain.Recipient, error)

	// GroupMembers returns the consenting members of the given groups, group
	// by group in the order of groupIDs.
	GroupMembers(ctx context.Context, groupIDs []string, consent domain.ConsentField) ([]domain.Recipient, error)

	// AllContacts returns every consenting contact with an email.
	AllContacts(ctx context.Context, consent domain.ConsentField) ([]domain.Recipient, error)

	// CreateSend inserts the batch and its queue records, and applies the
	// optional campaign status change, in one transaction.
	CreateSend(ctx context.Context, send *NewSend) error

	// UpsertSchedule inserts the entry or updates the existing entry for the
	// same (campaign, scheduled_at). Returns the stored entry's ID.
	UpsertSchedule(ctx context.Context, e *domain.ScheduleEntry) (string, error)

	// GetSchedule returns a schedule entry. Returns ErrScheduleNotFound if it
	// doesn't exist.
	GetSchedule(ctx context.Context, id string) (*domain.ScheduleEntry, error)

	// ListSchedules returns entries matching the filter, soonest first.
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.ScheduleEntry, error)

	// SetScheduleStatus moves an entry from one status to another. Returns
	// ErrInvalidTransition if the entry is no longer in from.
	SetScheduleStatus(ctx context.Context, id string, from, to domain.ScheduleStatus) error

	// RescheduleEntry moves an active entry, its queued batches and their
	// pending queue records from the old time to the new one.
	RescheduleEntry(ctx context.Context, id, campaignID string, from, to time.Time) error

	// CancelPendingRecords moves every pending queue record of the campaign
	// to cancelled and adjusts batch pending counts. Returns the number of
	// records cancelled.
	CancelPendingRecords(ctx context.Context, campaignID string) (int, error)

	// SetCampaignStatus moves the campaign to status if the transition table
	// allows it from the current status. Reports whether a row changed.
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) (bool, error)

	// LatestBatch returns the newest send batch of a campaign, or nil if the
	// campaign was never enqueued.
	LatestBatch(ctx context.Context, campaignID string) (*domain.SendBatch, error)

	// CountByStatus groups queue records by status. An empty campaignID
	// counts the whole queue.
	CountByStatus(ctx context.Context, campaignID string) (domain.StatusCounts, error)
}

// NewSend is everything one enqueue writes atomically.
type NewSend struct {
	Batch   domain.SendBatch
	Records []domain.QueueRecord

	// CampaignStatus, when set, is applied inside the same transaction.
	CampaignStatus *domain.CampaignStatus
}

// ScheduleFilter controls schedule listing.
type ScheduleFilter struct {
	CampaignID string
	Status     domain.ScheduleStatus
	Limit      int
	Offset     int
}
