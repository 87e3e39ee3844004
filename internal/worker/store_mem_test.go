package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore mirrors the postgres QueueRepo semantics in memory.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	campaigns map[string]*domain.Campaign
	batches   map[string]*domain.SendBatch
	records   []*domain.QueueRecord
	consent   map[string]map[domain.ConsentField]bool
	schedules []*domain.ScheduleEntry
	logs      []domain.Outcome

	claims atomic.Int32
}

func newMemStore(clock *testClock) *memStore {
	return &memStore{
		now:       clock.Now,
		campaigns: map[string]*domain.Campaign{},
		batches:   map[string]*domain.SendBatch{},
		consent:   map[string]map[domain.ConsentField]bool{},
	}
}

func (s *memStore) addCampaign(id string, typ domain.CampaignType) *domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &domain.Campaign{
		ID:          id,
		Name:        "Campaign " + id,
		Type:        typ,
		Subject:     "Subject " + id,
		FromName:    "Ignite",
		FromEmail:   "news@ignite.test",
		HTMLContent: "<p>hi</p>",
		Status:      domain.CampaignDraft,
	}
	s.campaigns[id] = c
	return c
}

// enqueue adds a batch of n pending records for the campaign.
func (s *memStore) enqueue(campaignID, batchID string, emails ...string) []*domain.QueueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.batches[batchID] = &domain.SendBatch{
		ID:           batchID,
		CampaignID:   campaignID,
		Status:       domain.BatchQueued,
		SendType:     domain.SendImmediate,
		TotalCount:   len(emails),
		PendingCount: len(emails),
		CreatedAt:    now,
	}
	var out []*domain.QueueRecord
	for i, email := range emails {
		rec := &domain.QueueRecord{
			ID:          fmt.Sprintf("%s-%03d", batchID, i),
			CampaignID:  campaignID,
			BatchID:     batchID,
			Email:       email,
			Status:      domain.QueuePending,
			MaxAttempts: 3,
			AvailableAt: now,
			CreatedAt:   now.Add(time.Duration(len(s.records)) * time.Millisecond),
		}
		s.records = append(s.records, rec)
		out = append(out, rec)
	}
	return out
}

func (s *memStore) setConsent(contactID string, field domain.ConsentField, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consent[contactID] == nil {
		s.consent[contactID] = map[domain.ConsentField]bool{}
	}
	s.consent[contactID][field] = ok
}

func (s *memStore) record(id string) domain.QueueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return *r
		}
	}
	return domain.QueueRecord{}
}

func (s *memStore) campaign(id string) domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) batch(id string) domain.SendBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *memStore) logged() []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Outcome(nil), s.logs...)
}

func (s *memStore) claimable(r *domain.QueueRecord, now time.Time) bool {
	return r.Status.CanTransition(domain.QueueSending) &&
		r.Attempts < r.MaxAttempts && !r.AvailableAt.After(now)
}

func (s *memStore) ClaimBatch(_ context.Context, limit int) ([]domain.QueueRecord, error) {
	s.claims.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var due []*domain.QueueRecord
	for _, r := range s.records {
		if s.claimable(r, now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.QueueRecord, 0, len(due))
	for _, r := range due {
		r.Status = domain.QueueSending
		t := now
		r.LastAttemptAt = &t
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) MarkStarted(_ context.Context, campaignID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[campaignID]; ok && c.Status != domain.CampaignSending && c.Status.CanTransition(domain.CampaignSending) {
		c.Status = domain.CampaignSending
	}
	if b, ok := s.batches[batchID]; ok && b.Status == domain.BatchQueued {
		b.Status = domain.BatchSending
	}
	return nil
}

func (s *memStore) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, delivery.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) GetBatch(_ context.Context, id string) (*domain.SendBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) ContactConsent(_ context.Context, contactID string, field domain.ConsentField) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consent[contactID][field], nil
}

func (s *memStore) RecordOutcome(_ context.Context, o *domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *domain.QueueRecord
	for _, r := range s.records {
		if r.ID == o.RecordID {
			rec = r
		}
	}
	if rec == nil {
		return fmt.Errorf("record %s not found", o.RecordID)
	}
	if !rec.Status.CanTransition(o.Status) {
		return fmt.Errorf("record %s: %s -> %s not allowed", rec.ID, rec.Status, o.Status)
	}

	rec.Status = o.Status
	rec.Attempts = o.Attempts
	rec.LastError = o.Error
	rec.MessageID = o.MessageID
	if o.Status == domain.QueueRetry {
		rec.AvailableAt = o.RetryAt
	}
	if o.Status == domain.QueueSent {
		t := o.At
		rec.SentAt = &t
	}

	c := s.campaigns[o.CampaignID]
	b := s.batches[o.BatchID]
	switch o.Status {
	case domain.QueueSent:
		if c != nil {
			c.SentCount++
		}
		b.SentCount++
		b.PendingCount--
	case domain.QueueFailed:
		if c != nil {
			c.FailedCount++
		}
		b.FailedCount++
		b.PendingCount--
	case domain.QueueSkipped:
		b.PendingCount--
	}
	if o.Logged() {
		s.logs = append(s.logs, *o)
	}
	return nil
}

func (s *memStore) CompleteCampaign(_ context.Context, campaignID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok && b.PendingCount <= 0 && b.Status == domain.BatchSending {
		b.Status = domain.BatchCompleted
	}
	for _, r := range s.records {
		if r.CampaignID == campaignID && !r.Status.IsTerminal() {
			return nil
		}
	}
	if c, ok := s.campaigns[campaignID]; ok && c.Status == domain.CampaignSending {
		c.Status = domain.CampaignSent
	}
	return nil
}

func (s *memStore) RecoverStale(_ context.Context, staleAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, r := range s.records {
		if r.Status.CanTransition(domain.QueueRetry) && r.LastAttemptAt != nil && r.LastAttemptAt.Before(now.Add(-staleAge)) {
			r.Status = domain.QueueRetry
			r.AvailableAt = now
			n++
		}
	}
	return n, nil
}

func (s *memStore) HasDueRecords(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, r := range s.records {
		if s.claimable(r, now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ClaimDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduleEntry
	for _, e := range s.schedules {
		if len(out) == limit {
			break
		}
		if e.Status == domain.ScheduleActive && e.TriggeredAt == nil && !e.ScheduledAt.After(now) {
			t := now
			e.TriggeredAt = &t
			out = append(out, *e)
		}
	}
	return out, nil
}

// fakeSender records messages and answers with respond.
type fakeSender struct {
	mu       sync.Mutex
	messages []domain.EmailMessage
	respond  func(msg *domain.EmailMessage) error
}

func (f *fakeSender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	f.mu.Lock()
	f.messages = append(f.messages, *msg)
	n := len(f.messages)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if err := respond(msg); err != nil {
			return nil, err
		}
	}
	return &domain.SendResult{MessageID: fmt.Sprintf("msg-%d", n), Transport: domain.TransportLog, SentAt: time.Now()}, nil
}

func (f *fakeSender) sent() []domain.EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EmailMessage(nil), f.messages...)
}

// fakeDelays is a DelayScheduler that only runs tasks when told to.
type fakeDelays struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

type fakeTask struct {
	delay time.Duration
	fn    func()
	done  bool
}

func (d *fakeDelays) Schedule(delay time.Duration, fn func()) func() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTask{delay: delay, fn: fn}
	d.tasks = append(d.tasks, t)
	return func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		return true
	}
}

func (d *fakeDelays) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.tasks {
		if !t.done {
			n++
		}
	}
	return n
}

func (d *fakeDelays) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tasks {
		t.done = true
	}
}

func (d *fakeDelays) scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// fireAll runs every pending task.
func (d *fakeDelays) fireAll() {
	d.mu.Lock()
	var due []*fakeTask
	for _, t := range d.tasks {
		if !t.done {
			t.done = true
			due = append(due, t)
		}
	}
	d.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerProcessing() { c.n.Add(1) }
