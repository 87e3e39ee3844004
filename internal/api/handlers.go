package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/httputil"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
)

// DeliveryService is the slice of delivery.Service the handlers call.
type DeliveryService interface {
	Enqueue(ctx context.Context, req delivery.EnqueueRequest) (*delivery.EnqueueResult, error)
	GetCampaignStats(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
	GetQueueStats(ctx context.Context) (*domain.QueueStats, error)
	ListSchedules(ctx context.Context, f delivery.ScheduleFilter) ([]domain.ScheduleEntry, error)
	GetSchedule(ctx context.Context, id string) (*domain.ScheduleEntry, error)
	UpdateSchedule(ctx context.Context, id string, u delivery.ScheduleUpdate) (*domain.ScheduleEntry, error)
	CancelSchedule(ctx context.Context, id string) (*delivery.CancelResult, error)
}

// StatsSource exposes in-process worker counters, e.g. the queue processor.
type StatsSource interface {
	Stats() map[string]int64
}

// Handlers contains the HTTP handlers of the delivery API
type Handlers struct {
	svc       DeliveryService
	trigger   delivery.Trigger
	processor StatsSource
}

// NewHandlers creates the handlers. processor may be nil when draining runs
// in a separate worker process.
func NewHandlers(svc DeliveryService, trigger delivery.Trigger, processor StatsSource) *Handlers {
	return &Handlers{svc: svc, trigger: trigger, processor: processor}
}

// sendRequest is the body of POST /api/campaigns/{id}/send.
type sendRequest struct {
	Recipients  domain.RecipientSpec `json:"recipients"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	Subject     string               `json:"subject,omitempty"`
	FromName    string               `json:"from_name,omitempty"`
	FromEmail   string               `json:"from_email,omitempty"`
}

// SendCampaign queues a campaign for immediate or scheduled delivery.
//
//	POST /api/campaigns/{id}/send
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	// An empty body sends to all contacts.
	var body sendRequest
	if !httputil.DecodeOptional(w, r, &body) {
		return
	}

	result, err := h.svc.Enqueue(r.Context(), delivery.EnqueueRequest{
		CampaignID:  chi.URLParam(r, "id"),
		Recipients:  body.Recipients,
		ScheduledAt: body.ScheduledAt,
		Subject:     body.Subject,
		FromName:    body.FromName,
		FromEmail:   body.FromEmail,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if body.ScheduledAt != nil {
		httputil.Created(w, result)
		return
	}
	httputil.Accepted(w, result)
}

// GetCampaignStats returns queue and batch counts for one campaign.
//
//	GET /api/campaigns/{id}/stats
func (h *Handlers) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetCampaignStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// ProcessQueue fires the processing trigger. The drain itself runs in the
// background, so the response only acknowledges the request.
//
//	POST /api/queue/process
func (h *Handlers) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue processing is not configured")
		return
	}
	h.trigger.TriggerProcessing()
	httputil.Accepted(w, map[string]string{"status": "triggered"})
}

// queueStatsResponse adds the local processor counters, when present, to
// the global queue counts.
type queueStatsResponse struct {
	*domain.QueueStats
	Processor map[string]int64 `json:"processor,omitempty"`
}

// GetQueueStats returns global queue counts.
//
//	GET /api/queue/stats
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetQueueStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := queueStatsResponse{QueueStats: stats}
	if h.processor != nil {
		resp.Processor = h.processor.Stats()
	}
	httputil.OK(w, resp)
}

// ListSchedules lists schedule entries.
//
//	GET /api/schedules?campaign_id=&status=&limit=&offset=
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.ScheduleFilter{
		CampaignID: q.Get("campaign_id"),
		Status:     domain.ScheduleStatus(q.Get("status")),
	}
	var ok bool
	if f.Limit, ok = queryInt(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if f.Offset, ok = queryInt(w, q.Get("offset"), "offset"); !ok {
		return
	}

	entries, err := h.svc.ListSchedules(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.ScheduleEntry{}
	}
	httputil.OK(w, map[string]interface{}{
		"schedules": entries,
		"count":     len(entries),
	})
}

// GetSchedule returns one schedule entry.
//
//	GET /api/schedules/{id}
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, entry)
}

// UpdateSchedule reschedules an entry or changes its status.
//
//	PATCH /api/schedules/{id}
func (h *Handlers) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var u delivery.ScheduleUpdate
	if !httputil.Decode(w, r, &u) {
		return
	}
	if u.ScheduledAt == nil && u.Status == nil {
		httputil.BadRequest(w, "nothing to update: set scheduled_at or status")
		return
	}

	entry, err := h.svc.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, entry)
}

// CancelSchedule cancels an entry and its pending queue records.
//
//	POST /api/schedules/{id}/cancel
func (h *Handlers) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.CancelSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, result)
}

// writeServiceError maps delivery sentinels to status codes. Unknown errors
// become a generic 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrCampaignNotFound), errors.Is(err, delivery.ErrScheduleNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, delivery.ErrNoRecipients),
		errors.Is(err, delivery.ErrInvalidScheduleTime),
		errors.Is(err, delivery.ErrInvalidInput):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, delivery.ErrScheduleConflict):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httputil.BadRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}
