// Package metrics holds the Prometheus collectors for campaign delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecipientsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_recipients_enqueued_total", Help: "Queue records created by enqueue"},
	)
	RecordsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_records_cancelled_total", Help: "Pending queue records cancelled with their schedule"},
	)

	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_messages_sent_total", Help: "Messages accepted by the transport"},
	)
	MessagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_messages_failed_total", Help: "Messages terminally failed"},
		[]string{"kind"},
	)
	MessagesRetried = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_messages_retried_total", Help: "Per-message failures scheduled for retry"},
	)
	MessagesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_messages_skipped_total", Help: "Messages skipped because consent was revoked"},
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_send_duration_seconds",
			Help:    "Time spent in the transport per message",
			Buckets: prometheus.DefBuckets,
		},
	)

	DrainCycles = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_drain_cycles_total", Help: "Drain cycles run"},
	)
	DrainsCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_drains_coalesced_total", Help: "Triggers that found a drain already running"},
	)
	RecordsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_records_recovered_total", Help: "Stale sending records reset to retry"},
	)
	SchedulesFired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_schedules_fired_total", Help: "Due schedule entries that triggered processing"},
	)

	SendsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_sends_throttled_total", Help: "Sends held back by the transport rate limit"},
		[]string{"window"},
	)
	RowsPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_rows_purged_total", Help: "Rows removed by the retention worker"},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(
		RecipientsEnqueued, RecordsCancelled,
		MessagesSent, MessagesFailed, MessagesRetried, MessagesSkipped, SendDuration,
		DrainCycles, DrainsCoalesced, RecordsRecovered, SchedulesFired,
		SendsThrottled, RowsPurged,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
