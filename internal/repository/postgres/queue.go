package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/lib/pq"
)

// QueueRepo is the worker-side view of the delivery tables. It implements
// worker.Store.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a new QueueRepo.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

// ClaimBatch moves up to limit due records to sending. SKIP LOCKED keeps
// concurrent claimers from seeing each other's rows.
func (r *QueueRepo) ClaimBatch(ctx context.Context, limit int) ([]domain.QueueRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE campaign_queue q
		SET status = 'sending', last_attempt_at = NOW()
		FROM (
			SELECT id FROM campaign_queue
			WHERE status = ANY($2)
			  AND attempts < max_attempts
			  AND available_at <= NOW()
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE q.id = due.id
		RETURNING q.id, q.campaign_id, q.batch_id, q.contact_id::text, q.email, q.status,
		          q.attempts, q.max_attempts, q.available_at, q.created_at, q.last_attempt_at
	`, limit, pq.Array(queueSources(domain.QueueSending)))
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueRecord
	for rows.Next() {
		var (
			rec         domain.QueueRecord
			contactID   sql.NullString
			lastAttempt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.BatchID, &contactID, &rec.Email, &rec.Status,
			&rec.Attempts, &rec.MaxAttempts, &rec.AvailableAt, &rec.CreatedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan claimed record: %w", err)
		}
		if contactID.Valid {
			id := contactID.String
			rec.ContactID = &id
		}
		rec.LastAttemptAt = nullTimePtr(lastAttempt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// queueSources lists the statuses a queue record may leave for to.
func queueSources(to domain.QueueStatus) []string {
	var out []string
	for _, s := range domain.QueueSourcesFor(to) {
		out = append(out, string(s))
	}
	return out
}

func (r *QueueRepo) MarkStarted(ctx context.Context, campaignID, batchID string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, campaignID, pq.Array(campaignSources(domain.CampaignSending))); err != nil {
		return fmt.Errorf("mark campaign sending: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE campaign_send_batches SET status = 'sending', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'queued'
	`, batchID); err != nil {
		return fmt.Errorf("mark batch sending: %w", err)
	}
	return nil
}

func (r *QueueRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return getCampaign(ctx, r.db, id)
}

func (r *QueueRepo) GetBatch(ctx context.Context, id string) (*domain.SendBatch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM campaign_send_batches WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("send batch %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (r *QueueRepo) ContactConsent(ctx context.Context, contactID string, field domain.ConsentField) (bool, error) {
	col, err := consentColumn(field)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM contacts WHERE id = $1`, col), contactID).Scan(&ok)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("contact consent: %w", err)
	}
	return ok, nil
}

// RecordOutcome writes the row update, the log entry and the counters in
// one transaction. The row must still be in a status that may move to
// o.Status (sending, for every outcome), so a record is never counted twice.
func (r *QueueRepo) RecordOutcome(ctx context.Context, o *domain.Outcome) error {
	sources := queueSources(o.Status)
	if len(sources) == 0 {
		return fmt.Errorf("queue record %s: %q is not a reachable status", o.RecordID, o.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var retryAt, sentAt interface{}
	switch o.Status {
	case domain.QueueRetry:
		retryAt = o.RetryAt
	case domain.QueueSent:
		sentAt = o.At
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_queue SET
			status = $1, attempts = $2, last_error = NULLIF($3,''), message_id = NULLIF($4,''),
			available_at = COALESCE($5, available_at), sent_at = COALESCE($6, sent_at)
		WHERE id = $7 AND status = ANY($8)
	`, o.Status, o.Attempts, o.Error, o.MessageID, retryAt, sentAt, o.RecordID, pq.Array(sources))
	if err != nil {
		return fmt.Errorf("update queue record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue record %s is not sending", o.RecordID)
	}

	if o.Logged() {
		response := o.MessageID
		if o.Status != domain.QueueSent {
			response = o.Error
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_delivery_log (id, queue_id, campaign_id, email, status, response, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)
		`, uuid.New().String(), o.RecordID, o.CampaignID, o.Email, o.Status, response, o.At); err != nil {
			return fmt.Errorf("insert delivery log: %w", err)
		}
	}

	switch o.Status {
	case domain.QueueSent:
		if err := bumpCounters(ctx, tx, "sent_count", o); err != nil {
			return err
		}
	case domain.QueueFailed:
		if err := bumpCounters(ctx, tx, "failed_count", o); err != nil {
			return err
		}
	case domain.QueueSkipped:
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaign_send_batches SET pending_count = pending_count - 1 WHERE id = $1
		`, o.BatchID); err != nil {
			return fmt.Errorf("update batch counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// bumpCounters applies a relative +1 to the campaign and batch column.
func bumpCounters(ctx context.Context, tx *sql.Tx, col string, o *domain.Outcome) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns SET %[1]s = %[1]s + 1, updated_at = NOW() WHERE id = $1
	`, col), o.CampaignID); err != nil {
		return fmt.Errorf("update campaign counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaign_send_batches SET %[1]s = %[1]s + 1, pending_count = pending_count - 1 WHERE id = $1
	`, col), o.BatchID); err != nil {
		return fmt.Errorf("update batch counters: %w", err)
	}
	return nil
}

func (r *QueueRepo) CompleteCampaign(ctx context.Context, campaignID, batchID string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE campaign_send_batches SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'sending' AND pending_count <= 0
	`, batchID); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'sent', updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_queue
			WHERE campaign_id = $1 AND status IN ('pending', 'retry', 'sending')
		  )
	`, campaignID); err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	return nil
}

func (r *QueueRepo) RecoverStale(ctx context.Context, staleAge time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_queue SET status = 'retry', available_at = NOW()
		WHERE status = ANY($2)
		  AND last_attempt_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(staleAge.Seconds()), pq.Array(queueSources(domain.QueueRetry)))
	if err != nil {
		return 0, fmt.Errorf("recover stale records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *QueueRepo) HasDueRecords(ctx context.Context) (bool, error) {
	var due bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM campaign_queue
			WHERE status = ANY($1) AND attempts < max_attempts AND available_at <= NOW()
		)
	`, pq.Array(queueSources(domain.QueueSending))).Scan(&due)
	if err != nil {
		return false, fmt.Errorf("check due records: %w", err)
	}
	return due, nil
}

func (r *QueueRepo) ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE campaign_schedules s SET triggered_at = $1, updated_at = $1
		FROM (
			SELECT id FROM campaign_schedules
			WHERE status = 'scheduled' AND triggered_at IS NULL AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE s.id = due.id
		RETURNING s.id, s.campaign_id, COALESCE(s.batch_id::text,''), s.scheduled_at, s.status,
		          s.selection_type, s.selection, s.triggered_at, s.created_at, s.updated_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
