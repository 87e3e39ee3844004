package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
)

// =============================================================================
// QUEUE RECOVERY WORKER: Reclaims Stuck Records
// =============================================================================
// A record is claimed (sending) before its transport call and released by
// the outcome transaction. If the process dies in between, the record stays
// in sending. This worker periodically moves such records back to retry
// without touching their attempt count, then triggers a drain.
//
// The sweep also triggers a drain when due retry records exist but nobody
// is going to wake up for them, e.g. after a restart dropped the in-memory
// retry timers.

const (
	// DefaultRecoveryInterval is how often we scan for stuck records.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a record can sit in sending before we
	// consider its worker dead.
	DefaultStaleAge = 5 * time.Minute
)

// QueueRecoveryWorker periodically reclaims stuck queue records.
type QueueRecoveryWorker struct {
	store    Store
	trigger  delivery.Trigger
	interval time.Duration
	staleAge time.Duration
}

// NewQueueRecoveryWorker creates a recovery worker with default settings.
func NewQueueRecoveryWorker(store Store, trigger delivery.Trigger) *QueueRecoveryWorker {
	return NewQueueRecoveryWorkerWithConfig(store, trigger, DefaultRecoveryInterval, DefaultStaleAge)
}

// NewQueueRecoveryWorkerWithConfig creates a recovery worker with custom timing.
func NewQueueRecoveryWorkerWithConfig(store Store, trigger delivery.Trigger, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{
		store:    store,
		trigger:  trigger,
		interval: interval,
		staleAge: staleAge,
	}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", qr.interval, qr.staleAge)

	// A fresh process has no retry timers; sweep once up front.
	qr.RecoverOnce(ctx)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			qr.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce runs one sweep and returns the number of records moved back
// to retry.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) int {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := qr.store.RecoverStale(queryCtx, qr.staleAge)
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
		return 0
	}
	if n > 0 {
		metrics.RecordsRecovered.Add(float64(n))
		log.Printf("[QueueRecovery] requeued %d stuck records", n)
		qr.trigger.TriggerProcessing()
		return n
	}

	due, err := qr.store.HasDueRecords(queryCtx)
	if err != nil {
		log.Printf("[QueueRecovery] due check error: %v", err)
		return 0
	}
	if due {
		log.Println("[QueueRecovery] due records waiting, triggering drain")
		qr.trigger.TriggerProcessing()
	}
	return 0
}
