package domain

// StatusCounts maps every queue status to a row count. NewStatusCounts
// zero-fills all keys so callers never see a missing status.
type StatusCounts map[QueueStatus]int

// NewStatusCounts returns a zero-filled StatusCounts.
func NewStatusCounts() StatusCounts {
	c := make(StatusCounts, len(QueueStatuses))
	for _, s := range QueueStatuses {
		c[s] = 0
	}
	return c
}

// Total sums every status.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// BatchSummary is the stats view of the latest send batch. A campaign with
// no batch gets the zero value.
type BatchSummary struct {
	BatchID      string      `json:"batch_id,omitempty"`
	Status       BatchStatus `json:"status,omitempty"`
	SendType     SendType    `json:"send_type,omitempty"`
	TotalCount   int         `json:"total_count"`
	PendingCount int         `json:"pending_count"`
	SentCount    int         `json:"sent_count"`
	FailedCount  int         `json:"failed_count"`
}

// CampaignStats is the per-campaign read model.
type CampaignStats struct {
	Campaign Campaign     `json:"campaign"`
	Batch    BatchSummary `json:"batch"`
	Queue    StatusCounts `json:"queue"`
	Total    int          `json:"total"`
}

// QueueStats is the global queue read model.
type QueueStats struct {
	Counts StatusCounts `json:"counts"`
	Total  int          `json:"total"`
}
