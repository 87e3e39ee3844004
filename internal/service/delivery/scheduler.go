package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
)

// CancelResult reports the effect of a schedule cancellation.
type CancelResult struct {
	ScheduleID     string `json:"schedule_id"`
	CampaignID     string `json:"campaign_id"`
	CancelledCount int    `json:"cancelled_count"`
}

// ScheduleUpdate holds the mutable fields of a schedule entry. Nil fields
// are left alone.
type ScheduleUpdate struct {
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	Status      *domain.ScheduleStatus `json:"status,omitempty"`
}

// GetSchedule returns a single schedule entry.
func (s *Service) GetSchedule(ctx context.Context, id string) (*domain.ScheduleEntry, error) {
	return s.repo.GetSchedule(ctx, id)
}

// ListSchedules returns schedule entries matching the filter.
func (s *Service) ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.ScheduleEntry, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown schedule status %q", ErrInvalidInput, f.Status)
	}
	return s.repo.ListSchedules(ctx, f)
}

// CancelSchedule cancels a schedule entry, cancels every still-pending
// queue record of its campaign and reverts the campaign to draft. Records
// already sending, sent or failed are left alone.
func (s *Service) CancelSchedule(ctx context.Context, id string) (*CancelResult, error) {
	entry, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.Status.CanTransition(domain.ScheduleCancelled) {
		return nil, fmt.Errorf("%w: schedule is %s", ErrInvalidTransition, entry.Status)
	}

	result := &CancelResult{ScheduleID: entry.ID, CampaignID: entry.CampaignID}
	steps := []sagaStep{
		{"cancel_schedule", func(ctx context.Context) error {
			return s.repo.SetScheduleStatus(ctx, entry.ID, domain.ScheduleActive, domain.ScheduleCancelled)
		}},
		{"cancel_queue_records", func(ctx context.Context) error {
			n, err := s.repo.CancelPendingRecords(ctx, entry.CampaignID)
			result.CancelledCount = n
			return err
		}},
		{"revert_campaign", func(ctx context.Context) error {
			_, err := s.repo.SetCampaignStatus(ctx, entry.CampaignID, domain.CampaignDraft)
			return err
		}},
	}
	if err := runSaga(ctx, "cancel schedule "+entry.ID, steps); err != nil {
		log.Printf("[delivery.Service] %v", err)
		return nil, err
	}

	metrics.RecordsCancelled.Add(float64(result.CancelledCount))
	log.Printf("[delivery.Service] Schedule %s cancelled: %d pending records of campaign %s cancelled",
		entry.ID, result.CancelledCount, entry.CampaignID)
	return result, nil
}

// UpdateSchedule moves a schedule to a new time and/or changes its status.
// Setting the status to cancelled runs the full cancellation; a cancelled
// entry cannot be reactivated.
func (s *Service) UpdateSchedule(ctx context.Context, id string, u ScheduleUpdate) (*domain.ScheduleEntry, error) {
	entry, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.Status != nil {
		next := *u.Status
		if !next.Valid() {
			return nil, fmt.Errorf("%w: unknown schedule status %q", ErrInvalidInput, next)
		}
		if next == domain.ScheduleCancelled {
			if _, err := s.CancelSchedule(ctx, id); err != nil {
				return nil, err
			}
			return s.repo.GetSchedule(ctx, id)
		}
		if next != entry.Status && !entry.Status.CanTransition(next) {
			return nil, fmt.Errorf("%w: schedule %s cannot move from %s to %s",
				ErrInvalidTransition, id, entry.Status, next)
		}
	}

	if u.ScheduledAt != nil {
		if entry.Status != domain.ScheduleActive {
			return nil, fmt.Errorf("%w: schedule is %s", ErrInvalidTransition, entry.Status)
		}
		if err := ValidateScheduleTime(*u.ScheduledAt, s.now(), s.opts.ScheduleBuffer); err != nil {
			return nil, err
		}
		to := u.ScheduledAt.UTC()
		if !to.Equal(entry.ScheduledAt) {
			if err := s.repo.RescheduleEntry(ctx, entry.ID, entry.CampaignID, entry.ScheduledAt, to); err != nil {
				return nil, fmt.Errorf("reschedule: %w", err)
			}
			log.Printf("[delivery.Service] Schedule %s moved from %s to %s", entry.ID,
				entry.ScheduledAt.Format(time.RFC3339), to.Format(time.RFC3339))
		}
	}

	return s.repo.GetSchedule(ctx, id)
}
