package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ProviderAttemptsTotal counts single backend calls made by a chain.
	ProviderAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "chain",
		Name:      "provider_attempts_total",
		Help:      "Total number of backend calls made by provider chains, labeled by capability, provider and result.",
	}, []string{"capability", "provider", "result"})

	// ChainExhaustedTotal counts chain calls where every provider failed.
	ChainExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "chain",
		Name:      "exhausted_total",
		Help:      "Total number of chain calls that failed on every provider.",
	}, []string{"capability"})

	// ProviderStatus is 1 for the last known status of each provider.
	ProviderStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "specbot",
		Subsystem: "chain",
		Name:      "provider_status",
		Help:      "Last health-check status per provider (1 for the current status).",
	}, []string{"capability", "provider", "status"})

	// GenerationsTotal counts orchestrator runs by outcome.
	GenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "generator",
		Name:      "generations_total",
		Help:      "Total number of generations, labeled by result (valid, invalid, vision_failed, text_failed, unexpected).",
	}, []string{"result"})

	// GenerationAttempts is the number of text attempts per generation.
	GenerationAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "specbot",
		Subsystem: "generator",
		Name:      "text_attempts",
		Help:      "Number of text-generation attempts per successful generation.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// QualityScore is the validator score of shipped specifications.
	QualityScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "specbot",
		Subsystem: "generator",
		Name:      "quality_score",
		Help:      "Validator score of returned specifications.",
		Buckets:   []float64{20, 40, 50, 60, 70, 80, 90, 100},
	})

	// GenerationDurationSeconds is end-to-end orchestration time.
	GenerationDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "specbot",
		Subsystem: "generator",
		Name:      "duration_seconds",
		Help:      "End-to-end time of one generation (vision + text stages).",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"result"})

	// CreditsRefundedTotal counts compensating credits.
	CreditsRefundedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "credits",
		Name:      "refunded_total",
		Help:      "Total number of credits returned after failed generations, labeled by reason.",
	}, []string{"reason"})

	// CreditsDebitedTotal counts reserved credits.
	CreditsDebitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "credits",
		Name:      "debited_total",
		Help:      "Total number of credits reserved for generations.",
	})

	// EventPublishErrorTotal counts failed event publications.
	EventPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specbot",
		Subsystem: "events",
		Name:      "publish_error_total",
		Help:      "Total number of generation events that could not be published.",
	})

	// LastGenerationSeconds is a unix timestamp (seconds) of the last finished generation.
	LastGenerationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "specbot",
		Subsystem: "generator",
		Name:      "last_generation_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last finished generation (best-effort).",
	})
)

// Register registers specbot metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ProviderAttemptsTotal,
			ChainExhaustedTotal,
			ProviderStatus,
			GenerationsTotal,
			GenerationAttempts,
			QualityScore,
			GenerationDurationSeconds,
			CreditsRefundedTotal,
			CreditsDebitedTotal,
			EventPublishErrorTotal,
			LastGenerationSeconds,
		)
	})
}

// SetProviderStatus marks status as the current one for a provider.
func SetProviderStatus(capability, provider string, status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		ProviderStatus.WithLabelValues(capability, provider, s).Set(v)
	}
}

func NowUnixSeconds() float64 {
	return float64(time.Now().Unix())
}
