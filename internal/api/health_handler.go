package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/httputil"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// queueDepthDegraded is the due backlog above which the queue check reports
// degraded.
const queueDepthDegraded = 50000

// BreakerState is implemented by transport.BreakerSender.
type BreakerState interface {
	State() string
}

// HealthChecker reports on the database, Redis, the send queue and, in a
// process that drains, the mail transport's circuit breaker.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	breaker     BreakerState
	startTime   time.Time
}

// NewHealthChecker creates a new HealthChecker.
// Any dependency can be nil; the check will report "not configured" for nil deps.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

// WithTransport adds the transport check.
func (hc *HealthChecker) WithTransport(b BreakerState) *HealthChecker {
	hc.breaker = b
	return hc
}

const healthVersion = "1.0.0"

// HandleHealth returns the health of all components. It always answers 200;
// the status field carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	})
}

// HandleLiveness always returns 200 while the process is running.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 503 when a critical dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	httputil.JSON(w, status, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

// ---------------------------------------------------------------------------
// Individual component checks
// ---------------------------------------------------------------------------

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	components := map[string]func(context.Context) ComponentCheck{
		"database":  hc.checkDatabase,
		"redis":     hc.checkRedis,
		"queue":     hc.checkQueue,
		"transport": hc.checkTransport,
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]ComponentCheck, len(components))
	)
	for name, run := range components {
		wg.Add(1)
		go func(name string, run func(context.Context) ComponentCheck) {
			defer wg.Done()
			c := run(ctx)
			mu.Lock()
			checks[name] = c
			mu.Unlock()
		}(name, run)
	}
	wg.Wait()
	return checks
}

// checkTransport maps the breaker state: closed is up, half-open is
// degraded while it components the relay, open is down.
func (hc *HealthChecker) checkTransport(context.Context) ComponentCheck {
	if hc.breaker == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	switch state := hc.breaker.State(); state {
	case "closed":
		return ComponentCheck{Status: "up", Message: "circuit closed"}
	case "half-open":
		return ComponentCheck{Status: "degraded", Message: "circuit half-open, testing relay"}
	default:
		return ComponentCheck{Status: "down", Message: "circuit " + state + ", sends fail fast"}
	}
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > time.Second {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > 500*time.Millisecond {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkQueue counts due pending and retry records as a proxy for worker
// health. A deep backlog means the drain is not keeping up.
func (hc *HealthChecker) checkQueue(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "database not available"}
	}

	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	var count int
	err := hc.db.QueryRowContext(queryCtx, `
		SELECT COUNT(*) FROM campaign_queue
		WHERE status = ANY($1) AND available_at <= NOW()
	`, pq.Array(claimableStatuses())).Scan(&count)
	latency := time.Since(start)

	if err != nil {
		// Table may not exist yet, treat as degraded rather than down.
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("queue check failed: %v", err)}
	}
	if count > queueDepthDegraded {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("high queue depth: %d due records", count)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: fmt.Sprintf("%d due records", count)}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func claimableStatuses() []string {
	var out []string
	for _, s := range domain.QueueSourcesFor(domain.QueueSending) {
		out = append(out, string(s))
	}
	return out
}

// determineOverallStatus derives the aggregate status from individual checks.
//
// Rules:
//   - "unhealthy" if a configured database is down
//   - "degraded"  if any check is degraded or a configured non-critical check is down
//   - "healthy"   otherwise
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == "down" && db.Message != "not configured" {
		return "unhealthy"
	}

	for _, c := range checks {
		if c.Status == "degraded" {
			return "degraded"
		}
		if c.Status == "down" && c.Message != "not configured" && c.Message != "database not available" {
			return "degraded"
		}
	}
	return "healthy"
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
