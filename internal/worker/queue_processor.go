package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/distlock"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
	"github.com/ignite/campaign-delivery/internal/transport"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// QUEUE PROCESSOR
// =============================================================================
// Drains campaign_queue in bounded batches. A drain is a transient
// activation: it starts on a trigger (enqueue, manual process request,
// schedule poller, recovery sweep, delayed retry) and runs until a fetch
// comes back empty. At most one drain runs at a time per guard.

const (
	DefaultProcessorBatchSize = 10
	DefaultBatchDelay         = 2 * time.Second
	DefaultRetryDelay         = 5 * time.Second
	DefaultSendTimeout        = 30 * time.Second
	DefaultDrainLockTTL       = 2 * time.Minute

	// outcomeWriteTimeout bounds the transaction that records a finished
	// send. It runs detached from shutdown cancellation.
	outcomeWriteTimeout = 10 * time.Second
)

// ProcessorConfig tunes the drain loop.
type ProcessorConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	RetryDelay  time.Duration
	SendTimeout time.Duration
	LockTTL     time.Duration

	// Sender identity used when the campaign and batch carry none.
	DefaultFromEmail string
	DefaultFromName  string
}

// DefaultProcessorConfig returns the stock tuning.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:   DefaultProcessorBatchSize,
		BatchDelay:  DefaultBatchDelay,
		RetryDelay:  DefaultRetryDelay,
		SendTimeout: DefaultSendTimeout,
		LockTTL:     DefaultDrainLockTTL,
	}
}

func (c *ProcessorConfig) applyDefaults() {
	d := DefaultProcessorConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
}

// DrainResult tallies one Drain call.
type DrainResult struct {
	Batches   int  `json:"batches"`
	Claimed   int  `json:"claimed"`
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Retried   int  `json:"retried"`
	Skipped   int  `json:"skipped"`
	Coalesced bool `json:"coalesced"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Batches += o.Batches
	r.Claimed += o.Claimed
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Retried += o.Retried
	r.Skipped += o.Skipped
}

func (r *DrainResult) count(o domain.Outcome) {
	switch o.Status {
	case domain.QueueSent:
		r.Sent++
	case domain.QueueFailed:
		r.Failed++
	case domain.QueueRetry:
		r.Retried++
	case domain.QueueSkipped:
		r.Skipped++
	}
}

// QueueProcessor claims due queue records and sends them through a
// transport.Sender.
type QueueProcessor struct {
	store  Store
	sender transport.Sender
	guard  distlock.DistLock
	delays DelayScheduler
	cfg    ProcessorConfig
	now    func() time.Time

	// rerun is set by a trigger that found the guard held. The holder
	// checks it after releasing and drains again. Guards shared between
	// processes also carry the request through distlock.Rerunner.
	rerun atomic.Bool

	retryMu     sync.Mutex
	retryAt     time.Time
	retryGen    uint64
	retryCancel func() bool

	// Stats
	drains    int64
	coalesced int64
	batches   int64
	sent      int64
	failed    int64
	retried   int64
	skipped   int64
	errors    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewQueueProcessor creates a processor. guard defaults to an in-process
// lock and delays to a TimerScheduler.
func NewQueueProcessor(store Store, sender transport.Sender, guard distlock.DistLock, delays DelayScheduler, cfg ProcessorConfig) *QueueProcessor {
	cfg.applyDefaults()
	if guard == nil {
		guard = distlock.NewLocalLock()
	}
	if delays == nil {
		delays = NewTimerScheduler()
	}
	return &QueueProcessor{
		store:  store,
		sender: sender,
		guard:  guard,
		delays: delays,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (p *QueueProcessor) SetClock(now func() time.Time) { p.now = now }

// Start enables triggers. Nothing runs until the first trigger.
func (p *QueueProcessor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("queue processor already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	log.Printf("[QueueProcessor] Started (batch=%d, batch_delay=%s, retry_delay=%s)",
		p.cfg.BatchSize, p.cfg.BatchDelay, p.cfg.RetryDelay)
	return nil
}

// Stop cancels pending retry triggers and waits for an active drain to
// finish its current batch.
func (p *QueueProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	log.Printf("[QueueProcessor] Stopping...")
	p.delays.Stop()
	p.cancel()
	p.wg.Wait()
	log.Printf("[QueueProcessor] Stopped. Sent: %d, Failed: %d, Retried: %d, Skipped: %d",
		atomic.LoadInt64(&p.sent), atomic.LoadInt64(&p.failed),
		atomic.LoadInt64(&p.retried), atomic.LoadInt64(&p.skipped))
}

// TriggerProcessing starts a drain in the background and returns
// immediately. Triggers while a drain is running are coalesced into it.
func (p *QueueProcessor) TriggerProcessing() {
	p.mu.RLock()
	running, ctx := p.running, p.ctx
	if running {
		p.wg.Add(1)
	}
	p.mu.RUnlock()

	if !running {
		log.Printf("[QueueProcessor] Trigger ignored: processor not running")
		return
	}

	go func() {
		defer p.wg.Done()
		res, err := p.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			atomic.AddInt64(&p.errors, 1)
			log.Printf("[QueueProcessor] Drain error: %v", err)
			return
		}
		if res.Claimed > 0 {
			log.Printf("[QueueProcessor] Drain finished: batches=%d sent=%d failed=%d retry=%d skipped=%d",
				res.Batches, res.Sent, res.Failed, res.Retried, res.Skipped)
		}
	}()
}

// Drain runs the drain loop on the caller's goroutine until the queue has
// nothing due. If another drain holds the guard, Drain records a re-run
// request for it and returns with Coalesced set.
func (p *QueueProcessor) Drain(ctx context.Context) (DrainResult, error) {
	var total DrainResult
	for {
		ok, err := p.guard.Acquire(ctx)
		if err != nil {
			return total, fmt.Errorf("acquire drain guard: %w", err)
		}
		if !ok {
			p.requestRerun(ctx)
			// The holder may have released between our attempt and the
			// flag write; one more attempt closes that window.
			if ok, err = p.guard.Acquire(ctx); err != nil {
				return total, fmt.Errorf("acquire drain guard: %w", err)
			}
			if !ok {
				atomic.AddInt64(&p.coalesced, 1)
				metrics.DrainsCoalesced.Inc()
				total.Coalesced = true
				return total, nil
			}
		}
		// Whatever is pending now is picked up by this pass.
		p.takeRerun(ctx)

		atomic.AddInt64(&p.drains, 1)
		metrics.DrainCycles.Inc()
		res, drainErr := p.drainLoop(ctx)
		total.add(res)

		if err := p.guard.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[QueueProcessor] Release drain guard: %v", err)
		}
		if drainErr != nil {
			return total, drainErr
		}
		if !p.takeRerun(ctx) {
			return total, nil
		}
	}
}

func (p *QueueProcessor) requestRerun(ctx context.Context) {
	p.rerun.Store(true)
	if r, ok := p.guard.(distlock.Rerunner); ok {
		if err := r.RequestRerun(ctx); err != nil {
			log.Printf("[QueueProcessor] Rerun request not shared: %v", err)
		}
	}
}

// takeRerun clears and reports both the local and the shared request.
func (p *QueueProcessor) takeRerun(ctx context.Context) bool {
	pending := p.rerun.Swap(false)
	if r, ok := p.guard.(distlock.Rerunner); ok {
		shared, err := r.TakeRerun(context.WithoutCancel(ctx))
		if err != nil {
			log.Printf("[QueueProcessor] Check shared rerun request: %v", err)
		}
		pending = pending || shared
	}
	return pending
}

func (p *QueueProcessor) drainLoop(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		records, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("claim batch: %w", err)
		}
		if len(records) == 0 {
			return res, nil
		}
		res.Batches++
		res.Claimed += len(records)
		atomic.AddInt64(&p.batches, 1)

		p.markStarted(ctx, records)
		for _, o := range p.processBatch(ctx, records) {
			res.count(o)
		}
		p.completeCampaigns(ctx, records)
		p.extendLease(ctx)

		if p.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(p.cfg.BatchDelay):
			}
		}
	}
}

type batchKey struct{ campaignID, batchID string }

func uniqueBatches(records []domain.QueueRecord) []batchKey {
	seen := make(map[batchKey]bool)
	var keys []batchKey
	for _, r := range records {
		k := batchKey{r.CampaignID, r.BatchID}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

func (p *QueueProcessor) markStarted(ctx context.Context, records []domain.QueueRecord) {
	for _, k := range uniqueBatches(records) {
		if err := p.store.MarkStarted(ctx, k.campaignID, k.batchID); err != nil {
			log.Printf("[QueueProcessor] Mark campaign %s started: %v", k.campaignID, err)
		}
	}
}

func (p *QueueProcessor) completeCampaigns(ctx context.Context, records []domain.QueueRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	for _, k := range uniqueBatches(records) {
		if err := p.store.CompleteCampaign(wctx, k.campaignID, k.batchID); err != nil {
			log.Printf("[QueueProcessor] Complete campaign %s: %v", k.campaignID, err)
		}
	}
}

func (p *QueueProcessor) extendLease(ctx context.Context) {
	ext, ok := p.guard.(distlock.Extender)
	if !ok {
		return
	}
	if err := ext.Extend(ctx, p.cfg.LockTTL); err != nil {
		log.Printf("[QueueProcessor] Extend drain lease: %v", err)
	}
}

// processBatch sends every record concurrently and waits for all of them.
// A failing row never cancels its siblings.
func (p *QueueProcessor) processBatch(ctx context.Context, records []domain.QueueRecord) []domain.Outcome {
	outcomes := make([]domain.Outcome, len(records))
	recorded := make([]bool, len(records))

	var g errgroup.Group
	for i := range records {
		i := i
		g.Go(func() error {
			o, err := p.processRecord(ctx, &records[i])
			if err != nil {
				atomic.AddInt64(&p.errors, 1)
				return fmt.Errorf("record %s: %w", records[i].ID, err)
			}
			outcomes[i], recorded[i] = o, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Unrecorded rows stay in sending until the recovery sweep.
		log.Printf("[QueueProcessor] Batch error: %v", err)
	}

	var out []domain.Outcome
	for i, ok := range recorded {
		if ok {
			out = append(out, outcomes[i])
		}
	}
	return out
}

// processRecord handles one claimed (sending) record end to end and
// returns the outcome that was persisted.
func (p *QueueProcessor) processRecord(ctx context.Context, rec *domain.QueueRecord) (domain.Outcome, error) {
	out := domain.Outcome{
		RecordID:   rec.ID,
		CampaignID: rec.CampaignID,
		BatchID:    rec.BatchID,
		Email:      rec.Email,
		Attempts:   rec.Attempts,
	}

	campaign, err := p.store.GetCampaign(ctx, rec.CampaignID)
	switch {
	case errors.Is(err, delivery.ErrCampaignNotFound):
		out.Status = domain.QueueFailed
		out.Error = "campaign no longer exists"
		return out, p.record(ctx, &out, "")
	case err != nil:
		return out, fmt.Errorf("load campaign: %w", err)
	}

	if rec.ContactID != nil {
		ok, err := p.store.ContactConsent(ctx, *rec.ContactID, campaign.ConsentField())
		if err != nil {
			return out, fmt.Errorf("check consent: %w", err)
		}
		if !ok {
			out.Status = domain.QueueSkipped
			out.Error = fmt.Sprintf("%s revoked", campaign.ConsentField())
			return out, p.record(ctx, &out, "")
		}
	}

	batch, err := p.store.GetBatch(ctx, rec.BatchID)
	if err != nil {
		return out, fmt.Errorf("load batch: %w", err)
	}
	msg := p.compose(rec, campaign, batch)

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	start := time.Now()
	result, sendErr := p.sender.Send(sendCtx, msg)
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = delivery.DefaultMaxAttempts
	}
	out.Attempts = rec.Attempts + 1
	kind := ""

	switch {
	case sendErr == nil:
		out.Status = domain.QueueSent
		if result != nil {
			out.MessageID = result.MessageID
		}
	case transport.IsTransportFailure(sendErr):
		out.Status = domain.QueueFailed
		out.Error = sendErr.Error()
		kind = string(transport.KindTransport)
	case out.Attempts >= maxAttempts:
		out.Status = domain.QueueFailed
		out.Error = sendErr.Error()
		kind = string(transport.KindMessage)
	default:
		out.Status = domain.QueueRetry
		out.Error = sendErr.Error()
	}

	return out, p.record(ctx, &out, kind)
}

// record persists o and applies its side effects: metrics, logs and the
// delayed retry trigger.
func (p *QueueProcessor) record(ctx context.Context, o *domain.Outcome, failKind string) error {
	if !domain.QueueSending.CanTransition(o.Status) {
		return fmt.Errorf("record %s: %s is not a valid outcome for a claimed record", o.RecordID, o.Status)
	}
	o.At = p.now()
	if o.Status == domain.QueueRetry {
		o.RetryAt = o.At.Add(p.cfg.RetryDelay)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	if err := p.store.RecordOutcome(wctx, o); err != nil {
		return fmt.Errorf("record %s outcome: %w", o.Status, err)
	}

	switch o.Status {
	case domain.QueueSent:
		atomic.AddInt64(&p.sent, 1)
		metrics.MessagesSent.Inc()
		logger.Debug("queue record sent", "queue_id", o.RecordID, "campaign_id", o.CampaignID,
			"email", o.Email, "message_id", o.MessageID, "attempts", o.Attempts)
	case domain.QueueFailed:
		atomic.AddInt64(&p.failed, 1)
		if failKind == "" {
			failKind = "campaign"
		}
		metrics.MessagesFailed.WithLabelValues(failKind).Inc()
		logger.Warn("queue record failed", "queue_id", o.RecordID, "campaign_id", o.CampaignID,
			"email", o.Email, "kind", failKind, "attempts", o.Attempts, "error", o.Error)
	case domain.QueueRetry:
		atomic.AddInt64(&p.retried, 1)
		metrics.MessagesRetried.Inc()
		logger.Info("queue record will retry", "queue_id", o.RecordID, "campaign_id", o.CampaignID,
			"email", o.Email, "attempts", o.Attempts, "retry_at", o.RetryAt.Format(time.RFC3339), "error", o.Error)
		p.scheduleRetry(o.RetryAt)
	case domain.QueueSkipped:
		atomic.AddInt64(&p.skipped, 1)
		metrics.MessagesSkipped.Inc()
		logger.Info("queue record skipped", "queue_id", o.RecordID, "campaign_id", o.CampaignID,
			"email", o.Email, "reason", o.Error)
	}
	return nil
}

// scheduleRetry makes sure a trigger fires no earlier than at. One retry
// trigger is outstanding at a time; a later retry time pushes it back.
func (p *QueueProcessor) scheduleRetry(at time.Time) {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()

	if p.retryCancel != nil {
		if !at.After(p.retryAt) {
			return
		}
		p.retryCancel()
	}

	p.retryGen++
	gen := p.retryGen
	p.retryAt = at
	p.retryCancel = p.delays.Schedule(at.Sub(p.now()), func() {
		p.retryMu.Lock()
		if p.retryGen == gen {
			p.retryCancel = nil
		}
		p.retryMu.Unlock()
		p.TriggerProcessing()
	})
}

// compose builds the outgoing message from current campaign content with
// batch overrides applied.
func (p *QueueProcessor) compose(rec *domain.QueueRecord, c *domain.Campaign, b *domain.SendBatch) *domain.EmailMessage {
	msg := &domain.EmailMessage{
		ID:          rec.ID,
		CampaignID:  rec.CampaignID,
		BatchID:     rec.BatchID,
		Email:       rec.Email,
		FromName:    firstNonEmpty(b.FromNameOverride, c.FromName, p.cfg.DefaultFromName),
		FromEmail:   firstNonEmpty(b.FromEmailOverride, c.FromEmail, p.cfg.DefaultFromEmail),
		ReplyTo:     c.ReplyTo,
		Subject:     firstNonEmpty(b.SubjectOverride, c.Subject),
		HTMLContent: c.HTMLContent,
		TextContent: c.TextContent,
	}
	if rec.ContactID != nil {
		msg.ContactID = *rec.ContactID
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Stats returns processor counters.
func (p *QueueProcessor) Stats() map[string]int64 {
	return map[string]int64{
		"drains":          atomic.LoadInt64(&p.drains),
		"coalesced":       atomic.LoadInt64(&p.coalesced),
		"batches":         atomic.LoadInt64(&p.batches),
		"sent":            atomic.LoadInt64(&p.sent),
		"failed":          atomic.LoadInt64(&p.failed),
		"retried":         atomic.LoadInt64(&p.retried),
		"skipped":         atomic.LoadInt64(&p.skipped),
		"errors":          atomic.LoadInt64(&p.errors),
		"pending_retries": int64(p.delays.Pending()),
	}
}
