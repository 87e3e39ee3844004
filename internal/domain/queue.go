package domain

import "time"

// QueueStatus enumerates the lifecycle of a single email in the send queue.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSending   QueueStatus = "sending"
	QueueSent      QueueStatus = "sent"
	QueueFailed    QueueStatus = "failed"
	QueueRetry     QueueStatus = "retry"
	QueueSkipped   QueueStatus = "skipped"
	QueueCancelled QueueStatus = "cancelled"
)

// QueueStatuses lists every queue status in display order.
var QueueStatuses = []QueueStatus{
	QueuePending, QueueSending, QueueSent, QueueFailed, QueueRetry, QueueSkipped, QueueCancelled,
}

// queueTransitions is the per-record state machine. cancelled is reachable
// only from pending and only through schedule cancellation. sending→retry
// also covers the stale-row recovery sweep.
var queueTransitions = map[QueueStatus][]QueueStatus{
	QueuePending:   {QueueSending, QueueCancelled},
	QueueRetry:     {QueueSending},
	QueueSending:   {QueueSent, QueueRetry, QueueFailed, QueueSkipped},
	QueueSent:      nil,
	QueueFailed:    nil,
	QueueSkipped:   nil,
	QueueCancelled: nil,
}

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	_, ok := queueTransitions[s]
	return ok
}

// CanTransition reports whether a queue record may move from s to next.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	for _, to := range queueTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s QueueStatus) IsTerminal() bool {
	return s.Valid() && len(queueTransitions[s]) == 0
}

// QueueSourcesFor returns every status that may transition into to.
func QueueSourcesFor(to QueueStatus) []QueueStatus {
	var out []QueueStatus
	for _, from := range QueueStatuses {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// QueueRecord is the unit of work: one recipient of one send batch.
type QueueRecord struct {
	ID            string      `json:"id" db:"id"`
	CampaignID    string      `json:"campaign_id" db:"campaign_id"`
	BatchID       string      `json:"batch_id" db:"batch_id"`
	ContactID     *string     `json:"contact_id" db:"contact_id"`
	Email         string      `json:"email" db:"email"`
	Status        QueueStatus `json:"status" db:"status"`
	Attempts      int         `json:"attempts" db:"attempts"`
	MaxAttempts   int         `json:"max_attempts" db:"max_attempts"`
	LastError     string      `json:"last_error,omitempty" db:"last_error"`
	MessageID     string      `json:"message_id,omitempty" db:"message_id"`
	AvailableAt   time.Time   `json:"available_at" db:"available_at"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at" db:"last_attempt_at"`
	SentAt        *time.Time  `json:"sent_at" db:"sent_at"`
}

// Outcome is the result of processing one claimed queue record. It carries
// everything a repository needs to apply the row update, the audit entry
// and the counter increments in one transaction.
type Outcome struct {
	RecordID   string
	CampaignID string
	BatchID    string
	Email      string
	Status     QueueStatus // sent, failed, retry or skipped
	Attempts   int
	MessageID  string
	Error      string
	RetryAt    time.Time // only for retry
	At         time.Time
}

// Logged reports whether the outcome produces an audit log entry.
func (o Outcome) Logged() bool {
	return o.Status == QueueSent || o.Status == QueueFailed || o.Status == QueueSkipped
}
