package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
	"github.com/lib/pq"
)

// queueInsertChunk keeps multi-row inserts under the 65535 parameter limit.
const queueInsertChunk = 1000

// DeliveryRepo implements delivery.Repository against PostgreSQL.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const campaignColumns = `
	id, name, type, subject, from_name, from_email,
	COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(text_content,''),
	status, sent_count, failed_count, created_at, updated_at`

func getCampaign(ctx context.Context, db *sql.DB, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.Type, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.TextContent,
		&c.Status, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *DeliveryRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return getCampaign(ctx, r.db, id)
}

// consentColumn returns the column for f. The column name is interpolated
// into SQL, so only known fields pass.
func consentColumn(f domain.ConsentField) (string, error) {
	if !f.Valid() {
		return "", fmt.Errorf("%w: unknown consent field %q", delivery.ErrInvalidInput, f)
	}
	return string(f), nil
}

func (r *DeliveryRepo) ContactsByIDs(ctx context.Context, ids []string, consent domain.ConsentField) ([]domain.Recipient, error) {
	col, err := consentColumn(consent)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, email FROM contacts
		WHERE id::text = ANY($1) AND %s = true AND COALESCE(email,'') <> ''
		ORDER BY array_position($1::text[], id::text)
	`, col), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("contacts by id: %w", err)
	}
	return scanRecipients(rows)
}

func (r *DeliveryRepo) GroupMembers(ctx context.Context, groupIDs []string, consent domain.ConsentField) ([]domain.Recipient, error) {
	col, err := consentColumn(consent)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.email
		FROM contact_group_members m
		JOIN contacts c ON c.id = m.contact_id
		WHERE m.group_id::text = ANY($1) AND c.%s = true AND COALESCE(c.email,'') <> ''
		ORDER BY array_position($1::text[], m.group_id::text), m.added_at, c.id
	`, col), pq.Array(groupIDs))
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	return scanRecipients(rows)
}

func (r *DeliveryRepo) AllContacts(ctx context.Context, consent domain.ConsentField) ([]domain.Recipient, error) {
	col, err := consentColumn(consent)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, email FROM contacts
		WHERE %s = true AND COALESCE(email,'') <> ''
		ORDER BY created_at, id
	`, col))
	if err != nil {
		return nil, fmt.Errorf("all contacts: %w", err)
	}
	return scanRecipients(rows)
}

func scanRecipients(rows *sql.Rows) ([]domain.Recipient, error) {
	defer rows.Close()
	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ContactID, &rc.Email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *DeliveryRepo) CreateSend(ctx context.Context, send *delivery.NewSend) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	b := send.Batch
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_send_batches
			(id, campaign_id, status, send_type, scheduled_at, total_count, pending_count,
			 subject_override, from_name_override, from_email_override, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), $11)
	`, b.ID, b.CampaignID, b.Status, b.SendType, b.ScheduledAt, b.TotalCount, b.PendingCount,
		b.SubjectOverride, b.FromNameOverride, b.FromEmailOverride, b.CreatedAt); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for start := 0; start < len(send.Records); start += queueInsertChunk {
		end := start + queueInsertChunk
		if end > len(send.Records) {
			end = len(send.Records)
		}
		if err := insertQueueRecords(ctx, tx, send.Records[start:end]); err != nil {
			return err
		}
	}

	if send.CampaignStatus != nil {
		to := *send.CampaignStatus
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)
		`, to, b.CampaignID, pq.Array(campaignSources(to)))
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: campaign %s cannot move to %s", delivery.ErrInvalidTransition, b.CampaignID, to)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const queueInsertCols = 9

func insertQueueRecords(ctx context.Context, tx *sql.Tx, recs []domain.QueueRecord) error {
	if len(recs) == 0 {
		return nil
	}
	values := make([]string, 0, len(recs))
	args := make([]interface{}, 0, len(recs)*queueInsertCols)
	for i, rec := range recs {
		n := i * queueInsertCols
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9))
		args = append(args, rec.ID, rec.CampaignID, rec.BatchID, rec.ContactID, rec.Email,
			rec.Status, rec.MaxAttempts, rec.AvailableAt, rec.CreatedAt)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_queue
			(id, campaign_id, batch_id, contact_id, email, status, max_attempts, available_at, created_at)
		VALUES `+strings.Join(values, ","), args...)
	if err != nil {
		return fmt.Errorf("insert queue records: %w", err)
	}
	return nil
}

func campaignSources(to domain.CampaignStatus) []string {
	var out []string
	for _, s := range domain.CampaignSourcesFor(to) {
		out = append(out, string(s))
	}
	return out
}

const scheduleColumns = `
	id, campaign_id, COALESCE(batch_id::text,''), scheduled_at, status,
	selection_type, selection, triggered_at, created_at, updated_at`

func scanSchedule(row rowScanner) (*domain.ScheduleEntry, error) {
	var (
		e         domain.ScheduleEntry
		selection []byte
		triggered sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.CampaignID, &e.BatchID, &e.ScheduledAt, &e.Status,
		&e.SelectionType, &selection, &triggered, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(selection) > 0 {
		if err := json.Unmarshal(selection, &e.Selection); err != nil {
			return nil, fmt.Errorf("decode selection: %w", err)
		}
	}
	if triggered.Valid {
		t := triggered.Time
		e.TriggeredAt = &t
	}
	return &e, nil
}

func (r *DeliveryRepo) UpsertSchedule(ctx context.Context, e *domain.ScheduleEntry) (string, error) {
	selection, err := json.Marshal(e.Selection)
	if err != nil {
		return "", fmt.Errorf("encode selection: %w", err)
	}
	var id string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO campaign_schedules
			(id, campaign_id, batch_id, scheduled_at, status, selection_type, selection, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3,'')::uuid, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (campaign_id, scheduled_at) DO UPDATE SET
			batch_id       = EXCLUDED.batch_id,
			status         = EXCLUDED.status,
			selection_type = EXCLUDED.selection_type,
			selection      = EXCLUDED.selection,
			triggered_at   = NULL,
			updated_at     = EXCLUDED.updated_at
		RETURNING id
	`, e.ID, e.CampaignID, e.BatchID, e.ScheduledAt, e.Status, e.SelectionType, selection,
		e.CreatedAt, e.UpdatedAt).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert schedule: %w", err)
	}
	return id, nil
}

func (r *DeliveryRepo) GetSchedule(ctx context.Context, id string) (*domain.ScheduleEntry, error) {
	e, err := scanSchedule(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM campaign_schedules WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, delivery.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return e, nil
}

const (
	defaultScheduleLimit = 50
	maxScheduleLimit     = 500
)

func (r *DeliveryRepo) ListSchedules(ctx context.Context, f delivery.ScheduleFilter) ([]domain.ScheduleEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultScheduleLimit
	}
	if limit > maxScheduleLimit {
		limit = maxScheduleLimit
	}

	q := `SELECT ` + scheduleColumns + ` FROM campaign_schedules WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.CampaignID != "" {
		q += fmt.Sprintf(" AND campaign_id = $%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY scheduled_at ASC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
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

func (r *DeliveryRepo) SetScheduleStatus(ctx context.Context, id string, from, to domain.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_schedules SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("set schedule status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaign_schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check schedule: %w", err)
	}
	if !exists {
		return delivery.ErrScheduleNotFound
	}
	return fmt.Errorf("%w: schedule %s is no longer %s", delivery.ErrInvalidTransition, id, from)
}

func (r *DeliveryRepo) RescheduleEntry(ctx context.Context, id, campaignID string, from, to time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_schedules SET scheduled_at = $1, triggered_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = 'scheduled'
	`, to, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: campaign %s already has a schedule at %s",
				delivery.ErrScheduleConflict, campaignID, to.Format(time.RFC3339))
		}
		return fmt.Errorf("move schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s is not active", delivery.ErrInvalidTransition, id)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaign_queue q SET available_at = $1
		FROM campaign_send_batches b
		WHERE q.batch_id = b.id AND b.campaign_id = $2 AND b.scheduled_at = $3
		  AND b.status = 'queued' AND q.status = 'pending'
	`, to, campaignID, from); err != nil {
		return fmt.Errorf("move queue records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE campaign_send_batches SET scheduled_at = $1
		WHERE campaign_id = $2 AND scheduled_at = $3 AND status = 'queued'
	`, to, campaignID, from); err != nil {
		return fmt.Errorf("move batches: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CancelPendingRecords cancels the campaign's pending records and takes
// them off their batches' pending counts. Batches left with nothing pending
// are closed as cancelled.
func (r *DeliveryRepo) CancelPendingRecords(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		WITH cancelled AS (
			UPDATE campaign_queue SET status = 'cancelled'
			WHERE campaign_id = $1 AND status = ANY($2)
			RETURNING batch_id
		), per_batch AS (
			SELECT batch_id, COUNT(*) AS n FROM cancelled GROUP BY batch_id
		), adjusted AS (
			UPDATE campaign_send_batches b SET
				pending_count = GREATEST(b.pending_count - p.n, 0),
				status = CASE WHEN b.pending_count - p.n <= 0 AND b.status IN ('queued','sending')
				              THEN 'cancelled' ELSE b.status END,
				completed_at = CASE WHEN b.pending_count - p.n <= 0 THEN NOW() ELSE b.completed_at END
			FROM per_batch p
			WHERE b.id = p.batch_id
			RETURNING b.id
		)
		SELECT COALESCE(SUM(n), 0) FROM per_batch
	`, campaignID, pq.Array(queueSources(domain.QueueCancelled))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cancel pending records: %w", err)
	}
	return n, nil
}

func (r *DeliveryRepo) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, status, id, pq.Array(campaignSources(status)))
	if err != nil {
		return false, fmt.Errorf("set campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const batchColumns = `
	id, campaign_id, status, send_type, scheduled_at, total_count, pending_count,
	sent_count, failed_count, COALESCE(subject_override,''), COALESCE(from_name_override,''),
	COALESCE(from_email_override,''), started_at, completed_at, created_at`

func scanBatch(row rowScanner) (*domain.SendBatch, error) {
	var (
		b                               domain.SendBatch
		scheduledAt, started, completed sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.CampaignID, &b.Status, &b.SendType, &scheduledAt,
		&b.TotalCount, &b.PendingCount, &b.SentCount, &b.FailedCount,
		&b.SubjectOverride, &b.FromNameOverride, &b.FromEmailOverride,
		&started, &completed, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.ScheduledAt = nullTimePtr(scheduledAt)
	b.StartedAt = nullTimePtr(started)
	b.CompletedAt = nullTimePtr(completed)
	return &b, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *DeliveryRepo) LatestBatch(ctx context.Context, campaignID string) (*domain.SendBatch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM campaign_send_batches
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, campaignID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	return b, nil
}

func (r *DeliveryRepo) CountByStatus(ctx context.Context, campaignID string) (domain.StatusCounts, error) {
	q := `SELECT status, COUNT(*) FROM campaign_queue`
	var args []interface{}
	if campaignID != "" {
		q += ` WHERE campaign_id = $1`
		args = append(args, campaignID)
	}
	q += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := domain.NewStatusCounts()
	for rows.Next() {
		var (
			status domain.QueueStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
