package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Time spent in a ledger operation, including lock waits",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})

	dailyAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_daily_amount",
		Help:    "Amounts granted by daily claims",
		Buckets: prometheus.LinearBuckets(100, 100, 10),
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_event_publish_failures_total",
		Help: "Balance change events that could not be published",
	})
)

// ObserveOperation records one finished operation. outcome is "ok" or an
// error kind such as "insufficient_funds".
func ObserveOperation(operation, outcome string, started time.Time) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func ObserveDailyAmount(amount int64) {
	dailyAmount.Observe(float64(amount))
}

func IncPublishFailures() {
	publishFailures.Inc()
}
