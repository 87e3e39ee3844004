package worker

import (
	"context"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
)

// Store is the persistence contract of the background workers. The postgres
// QueueRepo implements it.
type Store interface {
	// ClaimBatch atomically moves up to limit due pending|retry records with
	// attempts < max_attempts to sending, oldest first, and returns them.
	// Concurrent callers never receive the same record.
	ClaimBatch(ctx context.Context, limit int) ([]domain.QueueRecord, error)

	// MarkStarted moves the campaign to sending and the batch from queued to
	// sending. Both updates are no-ops when already applied.
	MarkStarted(ctx context.Context, campaignID, batchID string) error

	// GetCampaign returns the current campaign content, or
	// delivery.ErrCampaignNotFound.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// GetBatch returns the send batch the record belongs to.
	GetBatch(ctx context.Context, id string) (*domain.SendBatch, error)

	// ContactConsent reports whether the contact currently holds the consent
	// flag. A missing contact has no consent.
	ContactConsent(ctx context.Context, contactID string, field domain.ConsentField) (bool, error)

	// RecordOutcome applies the record status, the audit entry and the
	// counter increments of one outcome in a single transaction.
	RecordOutcome(ctx context.Context, o *domain.Outcome) error

	// CompleteCampaign closes the batch once nothing of it is pending and
	// moves the campaign from sending to sent once nothing is pending,
	// retrying or sending.
	CompleteCampaign(ctx context.Context, campaignID, batchID string) error

	// RecoverStale moves sending records whose last attempt is older than
	// staleAge back to retry, due immediately. Returns the number moved.
	RecoverStale(ctx context.Context, staleAge time.Duration) (int, error)

	// HasDueRecords reports whether any record is claimable right now.
	HasDueRecords(ctx context.Context) (bool, error)

	// ClaimDueSchedules marks up to limit active, untriggered schedule entries
	// due at or before now as triggered and returns them.
	ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error)
}
