package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"leafdoc/api/internal/diagnosis"
)

var (
	once sync.Once

	// DiagnosisTotal counts diagnoses by outcome: "ok" or an error kind.
	DiagnosisTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leafdoc",
		Subsystem: "diagnosis",
		Name:      "requests_total",
		Help:      "Total number of leaf diagnoses, labeled by result.",
	}, []string{"result"})

	DiagnosisDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leafdoc",
		Subsystem: "diagnosis",
		Name:      "duration_seconds",
		Help:      "Time to produce a diagnosis, model round trip included.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"result"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leafdoc",
		Subsystem: "diagnosis",
		Name:      "cache_hits_total",
		Help:      "Diagnoses served from the store without calling the model.",
	})

	// TelegramInFlight is the number of chats with an analysis running.
	TelegramInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leafdoc",
		Subsystem: "telegram",
		Name:      "in_flight",
		Help:      "Number of Telegram chats with an analysis in progress.",
	})
)

// Register registers the metrics with the default registry. Safe to call
// multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DiagnosisTotal,
			DiagnosisDurationSeconds,
			CacheHitsTotal,
			TelegramInFlight,
		)
	})
}

// Result maps an Analyze error to its metric label.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	if k := diagnosis.KindOf(err); k != "" {
		return string(k)
	}
	return "rejected"
}

func ObserveDiagnosis(start time.Time, err error) {
	r := Result(err)
	DiagnosisTotal.WithLabelValues(r).Inc()
	DiagnosisDurationSeconds.WithLabelValues(r).Observe(time.Since(start).Seconds())
}
