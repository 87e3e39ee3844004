package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
)

const (
	// DefaultMaxAttempts bounds per-message retries.
	DefaultMaxAttempts = 3

	// DefaultScheduleBuffer is how far past "now" a scheduled send must be.
	DefaultScheduleBuffer = time.Minute
)

// Trigger starts a drain of the queue without waiting for it.
type Trigger interface {
	TriggerProcessing()
}

// Options tunes the service. Zero values take the defaults above.
type Options struct {
	MaxAttempts    int
	ScheduleBuffer time.Duration
}

// Service implements enqueue, scheduling and stats. All public methods are
// safe for concurrent use if the underlying repository is.
type Service struct {
	repo    Repository
	trigger Trigger
	opts    Options
	now     func() time.Time
}

// NewService creates a delivery service. trigger may be nil, in which case
// immediate sends wait for the next poll or recovery tick.
func NewService(repo Repository, trigger Trigger, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ScheduleBuffer <= 0 {
		opts.ScheduleBuffer = DefaultScheduleBuffer
	}
	return &Service{repo: repo, trigger: trigger, opts: opts, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// EnqueueRequest is the input of Enqueue. A nil ScheduledAt means send now.
type EnqueueRequest struct {
	CampaignID  string               `json:"campaign_id"`
	Recipients  domain.RecipientSpec `json:"recipients"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	Subject     string               `json:"subject,omitempty"`
	FromName    string               `json:"from_name,omitempty"`
	FromEmail   string               `json:"from_email,omitempty"`
}

// EnqueueResult reports what Enqueue wrote. Warning is set when the queue
// was written but the schedule entry could not be saved.
type EnqueueResult struct {
	QueuedCount int    `json:"queued_count"`
	BatchID     string `json:"batch_id"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// ValidateScheduleTime checks that t is strictly later than now plus the
// buffer, which keeps a scheduled send clear of clock skew.
func ValidateScheduleTime(t, now time.Time, buffer time.Duration) error {
	if t.IsZero() {
		return fmt.Errorf("%w: scheduled time is required", ErrInvalidScheduleTime)
	}
	earliest := now.Add(buffer)
	if !t.After(earliest) {
		return fmt.Errorf("%w: %s must be after %s", ErrInvalidScheduleTime,
			t.UTC().Format(time.RFC3339), earliest.UTC().Format(time.RFC3339))
	}
	return nil
}

// Enqueue resolves the recipients of a campaign and queues one record per
// address. Scheduled sends also upsert the schedule entry and move the
// campaign to scheduled; immediate sends fire the processing trigger.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.CampaignID) == "" {
		return nil, fmt.Errorf("%w: campaign id is required", ErrInvalidInput)
	}

	c, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sendType := domain.SendImmediate
	availableAt := now
	if req.ScheduledAt != nil {
		if err := ValidateScheduleTime(*req.ScheduledAt, now, s.opts.ScheduleBuffer); err != nil {
			return nil, err
		}
		if !c.Status.CanTransition(domain.CampaignScheduled) {
			return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
		}
		sendType = domain.SendScheduled
		availableAt = req.ScheduledAt.UTC()
	}

	recipients, err := s.Resolve(ctx, c, req.Recipients)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	batch := domain.SendBatch{
		ID:                uuid.New().String(),
		CampaignID:        c.ID,
		Status:            domain.BatchQueued,
		SendType:          sendType,
		TotalCount:        len(recipients),
		PendingCount:      len(recipients),
		SubjectOverride:   strings.TrimSpace(req.Subject),
		FromNameOverride:  strings.TrimSpace(req.FromName),
		FromEmailOverride: strings.TrimSpace(req.FromEmail),
		CreatedAt:         now,
	}
	if sendType == domain.SendScheduled {
		at := availableAt
		batch.ScheduledAt = &at
	}

	records := make([]domain.QueueRecord, 0, len(recipients))
	for _, r := range recipients {
		rec := domain.QueueRecord{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			BatchID:     batch.ID,
			Email:       r.Email,
			Status:      domain.QueuePending,
			MaxAttempts: s.opts.MaxAttempts,
			AvailableAt: availableAt,
			CreatedAt:   now,
		}
		if r.ContactID != "" {
			id := r.ContactID
			rec.ContactID = &id
		}
		records = append(records, rec)
	}

	send := &NewSend{Batch: batch, Records: records}
	if sendType == domain.SendScheduled {
		st := domain.CampaignScheduled
		send.CampaignStatus = &st
	}
	if err := s.repo.CreateSend(ctx, send); err != nil {
		return nil, fmt.Errorf("create send: %w", err)
	}
	metrics.RecipientsEnqueued.Add(float64(len(records)))

	result := &EnqueueResult{QueuedCount: len(records), BatchID: batch.ID}

	if sendType == domain.SendScheduled {
		entry := &domain.ScheduleEntry{
			ID:            uuid.New().String(),
			CampaignID:    c.ID,
			BatchID:       batch.ID,
			ScheduledAt:   availableAt,
			Status:        domain.ScheduleActive,
			SelectionType: req.Recipients.SelectionType(),
			Selection:     req.Recipients,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		id, err := s.repo.UpsertSchedule(ctx, entry)
		if err != nil {
			// The queue rows are committed and carry their own available_at,
			// so the send still happens; only the calendar entry is missing.
			log.Printf("[delivery.Service] Campaign %s: schedule upsert failed after queueing %d records: %v",
				c.ID, len(records), err)
			result.Warning = "recipients were queued but the schedule entry could not be saved"
		} else {
			result.ScheduleID = id
		}
		log.Printf("[delivery.Service] Campaign %s: scheduled %d recipients for %s",
			c.ID, len(records), availableAt.Format(time.RFC3339))
		return result, nil
	}

	log.Printf("[delivery.Service] Campaign %s: enqueued %d recipients (batch %s)", c.ID, len(records), batch.ID)
	if s.trigger != nil {
		s.trigger.TriggerProcessing()
	}
	return result, nil
}
