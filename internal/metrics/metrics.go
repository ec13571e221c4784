package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_audit"

const (
	// OutcomeSuccess labels completed operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeCached labels verifications served from cache.
	OutcomeCached = "cached"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Batch pipeline passes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_seconds",
			Help:      "Batch pipeline latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	candidatesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Candidates emitted by the latest run, partitioned by type.",
		},
		[]string{"type"},
	)

	detectorIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_issues_total",
			Help:      "Ambiguous or malformed linkage reported by detectors.",
		},
		[]string{"type"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification requests, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	verificationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_seconds",
			Help:      "Verification latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"kind"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_cache_lookups_total",
			Help:      "Verification cache lookups, partitioned by tier and result.",
		},
		[]string{"tier", "result"},
	)

	quotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_quota_rejections_total",
			Help:      "Verifier calls refused by the daily limit.",
		},
	)

	labelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_total",
			Help:      "Reviewer labels submitted, partitioned by label.",
		},
		[]string{"label"},
	)
)

// Register attaches the audit collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pipelineRunsTotal,
		pipelineDurationSeconds,
		candidatesGauge,
		detectorIssuesTotal,
		verificationsTotal,
		verificationDurationSeconds,
		cacheLookupsTotal,
		quotaRejectionsTotal,
		labelsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePipeline records a batch pass duration and outcome.
func ObservePipeline(duration time.Duration, outcome string) {
	pipelineRunsTotal.WithLabelValues(normalize(outcome)).Inc()
	pipelineDurationSeconds.Observe(seconds(duration))
}

// SetCandidates publishes the per-type candidate counts of the latest run.
func SetCandidates(counts map[string]int) {
	candidatesGauge.Reset()
	for typ, n := range counts {
		candidatesGauge.WithLabelValues(typ).Set(float64(n))
	}
}

// IncDetectorIssue counts one detector linkage issue.
func IncDetectorIssue(typ string) {
	detectorIssuesTotal.WithLabelValues(typ).Inc()
}

// ObserveVerification records a verification request.
func ObserveVerification(kind string, duration time.Duration, outcome string) {
	if outcome != OutcomeCached {
		outcome = normalize(outcome)
	}
	verificationsTotal.WithLabelValues(kind, outcome).Inc()
	verificationDurationSeconds.WithLabelValues(kind).Observe(seconds(duration))
}

// ObserveCacheLookup records a hit or miss against a cache tier.
func ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// IncQuotaRejection counts one daily-limit refusal.
func IncQuotaRejection() { quotaRejectionsTotal.Inc() }

// IncLabel counts one reviewer label.
func IncLabel(label string) { labelsTotal.WithLabelValues(label).Inc() }

func normalize(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return OutcomeError
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
