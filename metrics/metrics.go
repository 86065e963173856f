package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "psamonitor_"

const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

var (
	registerOnce sync.Once

	ingestReadings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_readings_total",
			Help: "Telemetry readings by ingestion result",
		},
		[]string{"source", "result"},
	)
	ingestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "ingest_latency_seconds",
			Help:    "Time to accept one telemetry reading",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	alarmTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "alarm_transitions_total",
			Help: "Committed alarm level transitions",
		},
		[]string{"from", "to"},
	)
	evaluatorFailSafe = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "evaluator_fail_safe_total",
			Help: "Lines forced to unknown because of internal errors",
		},
		[]string{"reason"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "notifications_total",
			Help: "Alarm notifications by outcome",
		},
		[]string{"outcome"},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "delivery_attempts_total",
			Help: "Chat delivery attempts by result",
		},
		[]string{"result"},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "delivery_failures_total",
			Help: "Notifications dropped after exhausting retries",
		},
	)
	botCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "bot_commands_total",
			Help: "Bot commands by command and result",
		},
		[]string{"command", "result"},
	)
	mirrorFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "status_mirror_flushes_total",
			Help: "Status mirror batch flushes by result",
		},
		[]string{"result"},
	)
	linesByLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "lines_by_level",
			Help: "Number of tracked lines per alarm level",
		},
		[]string{"level"},
	)
)

// Init registers the collectors with the given registerer (default registry when nil).
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			ingestReadings,
			ingestLatency,
			alarmTransitions,
			evaluatorFailSafe,
			notifications,
			deliveryAttempts,
			deliveryFailures,
			botCommands,
			mirrorFlushes,
			linesByLevel,
		)
	})
}

func ObserveIngest(source, result string, started time.Time) {
	ingestReadings.WithLabelValues(source, result).Inc()
	ingestLatency.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

func IncAlarmTransition(from, to string) {
	alarmTransitions.WithLabelValues(from, to).Inc()
}

func IncEvaluatorFailSafe(reason string) {
	evaluatorFailSafe.WithLabelValues(reason).Inc()
}

func IncNotification(outcome string) {
	notifications.WithLabelValues(outcome).Inc()
}

func IncDeliveryAttempt(result string) {
	deliveryAttempts.WithLabelValues(result).Inc()
}

func IncDeliveryFailure() {
	deliveryFailures.Inc()
}

func IncBotCommand(command, result string) {
	botCommands.WithLabelValues(command, result).Inc()
}

func IncMirrorFlush(result string) {
	mirrorFlushes.WithLabelValues(result).Inc()
}

// SetLinesByLevel replaces the per-level line gauge.
func SetLinesByLevel(counts map[string]int) {
	linesByLevel.Reset()
	for level, n := range counts {
		linesByLevel.WithLabelValues(level).Set(float64(n))
	}
}
