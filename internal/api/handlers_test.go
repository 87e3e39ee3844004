package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService answers every call with the configured values.
type stubService struct {
	enqueueReq delivery.EnqueueRequest
	enqueue    *delivery.EnqueueResult
	filter     delivery.ScheduleFilter
	update     delivery.ScheduleUpdate
	schedules  []domain.ScheduleEntry
	err        error
}

func (s *stubService) Enqueue(_ context.Context, req delivery.EnqueueRequest) (*delivery.EnqueueResult, error) {
	s.enqueueReq = req
	return s.enqueue, s.err
}

func (s *stubService) GetCampaignStats(_ context.Context, id string) (*domain.CampaignStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.CampaignStats{Campaign: domain.Campaign{ID: id}, Queue: domain.NewStatusCounts()}, nil
}

func (s *stubService) GetQueueStats(context.Context) (*domain.QueueStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	counts := domain.NewStatusCounts()
	counts[domain.QueuePending] = 4
	return &domain.QueueStats{Counts: counts, Total: 4}, nil
}

func (s *stubService) ListSchedules(_ context.Context, f delivery.ScheduleFilter) ([]domain.ScheduleEntry, error) {
	s.filter = f
	return s.schedules, s.err
}

func (s *stubService) GetSchedule(_ context.Context, id string) (*domain.ScheduleEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScheduleEntry{ID: id, Status: domain.ScheduleActive}, nil
}

func (s *stubService) UpdateSchedule(_ context.Context, id string, u delivery.ScheduleUpdate) (*domain.ScheduleEntry, error) {
	s.update = u
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScheduleEntry{ID: id, Status: domain.ScheduleActive}, nil
}

func (s *stubService) CancelSchedule(_ context.Context, id string) (*delivery.CancelResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &delivery.CancelResult{ScheduleID: id, CampaignID: "c1", CancelledCount: 5}, nil
}

type stubTrigger struct{ n atomic.Int32 }

func (t *stubTrigger) TriggerProcessing() { t.n.Add(1) }

type stubStats map[string]int64

func (s stubStats) Stats() map[string]int64 { return s }

func setupTestRouter(svc *stubService, trigger delivery.Trigger) http.Handler {
	return SetupRoutes(NewHandlers(svc, trigger, stubStats{"drains": 2}), nil)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSendCampaign_Immediate(t *testing.T) {
	svc := &stubService{enqueue: &delivery.EnqueueResult{QueuedCount: 3, BatchID: "b1"}}
	h := setupTestRouter(svc, &stubTrigger{})

	w := doRequest(t, h, http.MethodPost, "/api/campaigns/c1/send", map[string]interface{}{
		"recipients": map[string]interface{}{"group_ids": []string{"g1"}},
		"subject":    "Override",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "c1", svc.enqueueReq.CampaignID)
	assert.Equal(t, []string{"g1"}, svc.enqueueReq.Recipients.GroupIDs)
	assert.Equal(t, "Override", svc.enqueueReq.Subject)
	assert.Nil(t, svc.enqueueReq.ScheduledAt)

	var got delivery.EnqueueResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.QueuedCount)
}

func TestSendCampaign_Scheduled(t *testing.T) {
	svc := &stubService{enqueue: &delivery.EnqueueResult{QueuedCount: 1, BatchID: "b1", ScheduleID: "s1"}}
	h := setupTestRouter(svc, nil)
	at := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)

	w := doRequest(t, h, http.MethodPost, "/api/campaigns/c1/send", map[string]interface{}{
		"recipients":   map[string]interface{}{"all": true},
		"scheduled_at": at,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, svc.enqueueReq.ScheduledAt)
	assert.True(t, at.Equal(*svc.enqueueReq.ScheduledAt))
}

func TestSendCampaign_EmptyBodySendsToAll(t *testing.T) {
	svc := &stubService{enqueue: &delivery.EnqueueResult{QueuedCount: 12, BatchID: "b1"}}
	h := setupTestRouter(svc, &stubTrigger{})

	w := doRequest(t, h, http.MethodPost, "/api/campaigns/c1/send", nil)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "c1", svc.enqueueReq.CampaignID)
	assert.True(t, svc.enqueueReq.Recipients.IsEmpty(), "resolved as all contacts")
	assert.Nil(t, svc.enqueueReq.ScheduledAt)
}

func TestSendCampaign_InvalidJSON(t *testing.T) {
	h := setupTestRouter(&stubService{}, nil)
	w := doRequest(t, h, http.MethodPost, "/api/campaigns/c1/send", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"campaign not found", delivery.ErrCampaignNotFound, http.StatusNotFound},
		{"schedule not found", delivery.ErrScheduleNotFound, http.StatusNotFound},
		{"no recipients", delivery.ErrNoRecipients, http.StatusBadRequest},
		{"too soon", fmt.Errorf("%w: too soon", delivery.ErrInvalidScheduleTime), http.StatusBadRequest},
		{"bad input", delivery.ErrInvalidInput, http.StatusBadRequest},
		{"transition", fmt.Errorf("%w: campaign is sending", delivery.ErrInvalidTransition), http.StatusConflict},
		{"conflict", delivery.ErrScheduleConflict, http.StatusConflict},
		{"other", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTestRouter(&stubService{err: tt.err}, nil)
			w := doRequest(t, h, http.MethodPost, "/api/campaigns/c1/send", map[string]interface{}{})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	h := setupTestRouter(&stubService{err: errors.New("pq: password authentication failed")}, nil)
	w := doRequest(t, h, http.MethodGet, "/api/campaigns/c1/stats", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestProcessQueue(t *testing.T) {
	trigger := &stubTrigger{}
	w := doRequest(t, setupTestRouter(&stubService{}, trigger), http.MethodPost, "/api/queue/process", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(1), trigger.n.Load())

	w = doRequest(t, setupTestRouter(&stubService{}, nil), http.MethodPost, "/api/queue/process", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Code)
}

func TestGetQueueStats(t *testing.T) {
	w := doRequest(t, setupTestRouter(&stubService{}, nil), http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Counts    map[string]int   `json:"counts"`
		Total     int              `json:"total"`
		Processor map[string]int64 `json:"processor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Counts["pending"])
	assert.Equal(t, 0, got.Counts["cancelled"])
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, int64(2), got.Processor["drains"])
}

func TestListSchedules(t *testing.T) {
	svc := &stubService{}
	h := setupTestRouter(svc, nil)

	w := doRequest(t, h, http.MethodGet, "/api/schedules?campaign_id=c1&status=scheduled&limit=10&offset=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, delivery.ScheduleFilter{
		CampaignID: "c1", Status: domain.ScheduleActive, Limit: 10, Offset: 20,
	}, svc.filter)
	assert.JSONEq(t, `{"schedules":[],"count":0}`, w.Body.String())

	w = doRequest(t, h, http.MethodGet, "/api/schedules?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSchedule(t *testing.T) {
	svc := &stubService{}
	h := setupTestRouter(svc, nil)

	w := doRequest(t, h, http.MethodPatch, "/api/schedules/s1", map[string]interface{}{"status": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.update.Status)
	assert.Equal(t, domain.ScheduleCancelled, *svc.update.Status)

	w = doRequest(t, h, http.MethodPatch, "/api/schedules/s1", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty update")
}

func TestCancelSchedule(t *testing.T) {
	w := doRequest(t, setupTestRouter(&stubService{}, nil), http.MethodPost, "/api/schedules/s1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got delivery.CancelResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.ScheduleID)
	assert.Equal(t, 5, got.CancelledCount)
}

func TestHealth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := SetupRoutes(NewHandlers(&stubService{}, nil, nil), NewHealthChecker(db, rdb))
	w := doRequest(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "up", got.Checks["queue"].Status)
	assert.Equal(t, "3 due records", got.Checks["queue"].Message)
	assert.Equal(t, "up", got.Checks["redis"].Status)
	assert.Equal(t, "not configured", got.Checks["transport"].Message)
}

type stubBreaker string

func (b stubBreaker) State() string { return string(b) }

func TestHealth_TransportBreaker(t *testing.T) {
	tests := []struct {
		state   string
		check   string
		overall string
	}{
		{"closed", "up", "healthy"},
		{"half-open", "degraded", "degraded"},
		{"open", "down", "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			hc := NewHealthChecker(nil, nil).WithTransport(stubBreaker(tt.state))
			checks := hc.runAllChecks(context.Background())
			assert.Equal(t, tt.check, checks["transport"].Status)
			assert.Equal(t, tt.overall, determineOverallStatus(checks))
		})
	}
}

func TestReadiness_NoDatabase(t *testing.T) {
	h := SetupRoutes(NewHandlers(&stubService{}, nil, nil), NewHealthChecker(nil, nil))
	w := doRequest(t, h, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code, "unconfigured deps are not failures")

	w = doRequest(t, h, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"queue":    {Status: "degraded"},
	}))
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "not configured"},
	}))
}

func TestMetricsEndpoint(t *testing.T) {
	w := doRequest(t, setupTestRouter(&stubService{}, nil), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
