package delivery

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-delivery/internal/domain"
)

// GetCampaignStats joins the campaign, its latest send batch and live
// queue counts. A campaign that was never enqueued reports zeros.
func (s *Service) GetCampaignStats(ctx context.Context, campaignID string) (*domain.CampaignStats, error) {
	c, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	batch, err := s.repo.LatestBatch(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}

	counts, err := s.repo.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}

	stats := &domain.CampaignStats{Campaign: *c, Queue: mergeCounts(counts)}
	stats.Total = stats.Queue.Total()
	if batch != nil {
		stats.Batch = domain.BatchSummary{
			BatchID:      batch.ID,
			Status:       batch.Status,
			SendType:     batch.SendType,
			TotalCount:   batch.TotalCount,
			PendingCount: batch.PendingCount,
			SentCount:    batch.SentCount,
			FailedCount:  batch.FailedCount,
		}
	}
	return stats, nil
}

// GetQueueStats groups every queue record by status.
func (s *Service) GetQueueStats(ctx context.Context) (*domain.QueueStats, error) {
	counts, err := s.repo.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	merged := mergeCounts(counts)
	return &domain.QueueStats{Counts: merged, Total: merged.Total()}, nil
}

func mergeCounts(counts domain.StatusCounts) domain.StatusCounts {
	out := domain.NewStatusCounts()
	for st, n := range counts {
		out[st] += n
	}
	return out
}
