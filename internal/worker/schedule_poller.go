package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
)

// =============================================================================
// SCHEDULE POLLER
// =============================================================================
// Scheduled sends are enqueued up front with available_at = scheduled_at, so
// the queue already holds their records. The poller only has to wake the
// processor when a schedule comes due. Each entry is claimed once by setting
// triggered_at, so several pollers can run side by side.

const (
	// DefaultSchedulerPollInterval is how often to check for due schedules.
	DefaultSchedulerPollInterval = 30 * time.Second

	// DefaultScheduleClaimLimit caps how many entries one poll claims.
	DefaultScheduleClaimLimit = 100
)

// SchedulePoller fires the processing trigger when schedule entries come due.
type SchedulePoller struct {
	store        Store
	trigger      delivery.Trigger
	pollInterval time.Duration
	limit        int
	now          func() time.Time

	// Stats
	polls     int64
	triggered int64
	errors    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewSchedulePoller creates a poller. A non-positive interval uses the default.
func NewSchedulePoller(store Store, trigger delivery.Trigger, interval time.Duration) *SchedulePoller {
	if interval <= 0 {
		interval = DefaultSchedulerPollInterval
	}
	return &SchedulePoller{
		store:        store,
		trigger:      trigger,
		pollInterval: interval,
		limit:        DefaultScheduleClaimLimit,
		now:          time.Now,
	}
}

// Start begins the polling loop.
func (sp *SchedulePoller) Start() error {
	sp.mu.Lock()
	if sp.running {
		sp.mu.Unlock()
		return fmt.Errorf("schedule poller already running")
	}
	sp.running = true
	sp.ctx, sp.cancel = context.WithCancel(context.Background())
	sp.mu.Unlock()

	log.Printf("[SchedulePoller] Starting with poll interval: %v", sp.pollInterval)

	sp.wg.Add(1)
	go sp.pollLoop()
	return nil
}

// Stop gracefully stops the poller.
func (sp *SchedulePoller) Stop() {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return
	}
	sp.running = false
	sp.mu.Unlock()

	log.Printf("[SchedulePoller] Stopping...")
	sp.cancel()
	sp.wg.Wait()
	log.Printf("[SchedulePoller] Stopped. Triggered: %d schedules", atomic.LoadInt64(&sp.triggered))
}

func (sp *SchedulePoller) pollLoop() {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.ctx.Done():
			return
		case <-ticker.C:
			sp.PollOnce(sp.ctx)
		}
	}
}

// PollOnce claims due schedules and triggers one drain if any were found.
// Returns the number of schedules claimed.
func (sp *SchedulePoller) PollOnce(ctx context.Context) int {
	atomic.AddInt64(&sp.polls, 1)

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	due, err := sp.store.ClaimDueSchedules(queryCtx, sp.now(), sp.limit)
	if err != nil {
		atomic.AddInt64(&sp.errors, 1)
		log.Printf("[SchedulePoller] Error claiming due schedules: %v", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	for _, e := range due {
		log.Printf("[SchedulePoller] Schedule %s for campaign %s is due (scheduled_at=%s)",
			e.ID, e.CampaignID, e.ScheduledAt.Format(time.RFC3339))
	}
	atomic.AddInt64(&sp.triggered, int64(len(due)))
	metrics.SchedulesFired.Add(float64(len(due)))
	sp.trigger.TriggerProcessing()
	return len(due)
}

// Stats returns poller counters.
func (sp *SchedulePoller) Stats() map[string]int64 {
	return map[string]int64{
		"polls":     atomic.LoadInt64(&sp.polls),
		"triggered": atomic.LoadInt64(&sp.triggered),
		"errors":    atomic.LoadInt64(&sp.errors),
	}
}
