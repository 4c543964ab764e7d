package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "citysense_"

	// IngestResultSuccess labels a successfully processed message.
	IngestResultSuccess = "success"
	// IngestResultError labels a dropped or failed message.
	IngestResultError = "error"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	alarmTransitions *prometheus.CounterVec

	alertPublishes *prometheus.CounterVec

	rangeCacheReloads *prometheus.CounterVec

	queryRequests *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Total ingested messages by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Per-message pipeline latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		alarmTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_transitions_total",
				Help: "Total alarm state transitions by type",
			},
			[]string{"transition"},
		)

		alertPublishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_publishes_total",
				Help: "Total alert publish attempts by result",
			},
			[]string{"result"},
		)

		rangeCacheReloads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "range_cache_reloads_total",
				Help: "Total range cache reloads by result",
			},
			[]string{"result"},
		)

		queryRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reading_queries_total",
				Help: "Total ad-hoc reading queries by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestMessages,
			ingestErrors,
			ingestLatency,
			alarmTransitions,
			alertPublishes,
			rangeCacheReloads,
			queryRequests,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records one pipeline pass and its duration.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = IngestResultSuccess
	}
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncAlarmTransition increments alarm transition counter.
func IncAlarmTransition(transition string) {
	if transition == "" {
		transition = "unknown"
	}
	if alarmTransitions != nil {
		alarmTransitions.WithLabelValues(transition).Inc()
	}
}

// IncAlertPublish increments publish attempt counter.
func IncAlertPublish(result string) {
	if result == "" {
		result = "unknown"
	}
	if alertPublishes != nil {
		alertPublishes.WithLabelValues(result).Inc()
	}
}

// IncRangeCacheReload increments cache reload counter.
func IncRangeCacheReload(result string) {
	if result == "" {
		result = "unknown"
	}
	if rangeCacheReloads != nil {
		rangeCacheReloads.WithLabelValues(result).Inc()
	}
}

// IncQuery increments the ad-hoc query counter.
func IncQuery(result string) {
	if result == "" {
		result = "unknown"
	}
	if queryRequests != nil {
		queryRequests.WithLabelValues(result).Inc()
	}
}
