package worker

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/lib/pq"
)

// =============================================================================
// DATA CLEANUP WORKER: purges finished queue records and old delivery log rows
// =============================================================================
// Queue records stay after their batch finishes so campaign stats can break
// them down by status. Once the batch is completed or cancelled and the rows
// are older than the retention window they only cost index space.
//
// Retention defaults:
//   - Queue records of finished batches: 30 days
//   - Delivery log rows:                 180 days
//
// Deletes run in batches of 5 000 rows so no single statement holds locks
// the claim path needs.

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = 1 * time.Hour

	DefaultQueueRetention = 30 * 24 * time.Hour
	DefaultLogRetention   = 180 * 24 * time.Hour

	// cleanupBatchSize limits each DELETE.
	cleanupBatchSize = 5000

	pgUndefinedTable = "42P01"
)

// DataCleanupWorker periodically removes old delivery data. A zero or
// negative retention disables that half of the cycle.
type DataCleanupWorker struct {
	db             *sql.DB
	interval       time.Duration
	queueRetention time.Duration
	logRetention   time.Duration
	batchPause     time.Duration
}

// NewDataCleanupWorker creates a cleanup worker with default settings.
func NewDataCleanupWorker(db *sql.DB) *DataCleanupWorker {
	return NewDataCleanupWorkerWithConfig(db, DefaultCleanupInterval, DefaultQueueRetention, DefaultLogRetention)
}

// NewDataCleanupWorkerWithConfig creates a cleanup worker with explicit
// retention windows.
func NewDataCleanupWorkerWithConfig(db *sql.DB, interval, queueRetention, logRetention time.Duration) *DataCleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &DataCleanupWorker{
		db:             db,
		interval:       interval,
		queueRetention: queueRetention,
		logRetention:   logRetention,
		batchPause:     100 * time.Millisecond,
	}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	log.Printf("[DataCleanup] Starting (interval=%s, queue_retention=%s, log_retention=%s)",
		dc.interval, dc.queueRetention, dc.logRetention)

	dc.RunOnce(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DataCleanup] Stopping")
			return
		case <-ticker.C:
			dc.RunOnce(ctx)
		}
	}
}

// RunOnce runs one cleanup cycle and returns the rows removed per table.
func (dc *DataCleanupWorker) RunOnce(ctx context.Context) map[string]int64 {
	start := time.Now()
	removed := make(map[string]int64, 2)

	if dc.queueRetention > 0 {
		removed["campaign_queue"] = dc.batchDelete(ctx, "campaign_queue", `
			DELETE FROM campaign_queue
			WHERE id IN (
				SELECT q.id FROM campaign_queue q
				JOIN campaign_send_batches b ON b.id = q.batch_id
				WHERE b.status IN ('completed', 'cancelled')
				  AND q.status IN ('sent', 'failed', 'skipped', 'cancelled')
				  AND COALESCE(q.sent_at, q.last_attempt_at, q.created_at) < NOW() - ($2 * INTERVAL '1 second')
				LIMIT $1
			)
		`, dc.queueRetention)
	}
	if dc.logRetention > 0 {
		removed["campaign_delivery_log"] = dc.batchDelete(ctx, "campaign_delivery_log", `
			DELETE FROM campaign_delivery_log
			WHERE id IN (
				SELECT id FROM campaign_delivery_log
				WHERE created_at < NOW() - ($2 * INTERVAL '1 second')
				LIMIT $1
			)
		`, dc.logRetention)
	}

	for table, n := range removed {
		if n > 0 {
			metrics.RowsPurged.WithLabelValues(table).Add(float64(n))
			log.Printf("[DataCleanup] Removed %d rows from %s", n, table)
		}
	}
	log.Printf("[DataCleanup] Cleanup cycle completed in %s", time.Since(start).Round(time.Millisecond))
	return removed
}

// batchDelete runs query with ($1 = cleanupBatchSize, $2 = retention in
// seconds) until no rows are affected and returns the total deleted. A
// missing table ends the loop quietly so the worker can start before
// migrations have run.
func (dc *DataCleanupWorker) batchDelete(ctx context.Context, table, query string, retention time.Duration) int64 {
	var totalDeleted int64
	seconds := int64(retention.Seconds())

	for {
		if ctx.Err() != nil {
			return totalDeleted
		}

		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := dc.db.ExecContext(queryCtx, query, cleanupBatchSize, seconds)
		cancel()

		if err != nil {
			if isUndefinedTable(err) {
				if totalDeleted == 0 {
					log.Printf("[DataCleanup] Table %s does not exist, skipping", table)
				}
				return totalDeleted
			}
			log.Printf("[DataCleanup] Error deleting from %s: %v", table, err)
			return totalDeleted
		}

		affected, _ := res.RowsAffected()
		if affected == 0 {
			return totalDeleted
		}
		totalDeleted += affected

		if dc.batchPause > 0 {
			select {
			case <-ctx.Done():
				return totalDeleted
			case <-time.After(dc.batchPause):
			}
		}
	}
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable
}
