package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes.
const (
	OutcomeAccepted     = "accepted"
	OutcomeMalformed    = "malformed"
	OutcomeUnauthorized = "unauthorized"
	OutcomeDuplicate    = "duplicate"
	OutcomeError        = "error"
)

// RegistryMetrics tracks submissions, admin actions and notification delivery.
// A nil *RegistryMetrics is valid and records nothing.
type RegistryMetrics struct {
	Submissions            *prometheus.CounterVec
	SubmitDuration         prometheus.Histogram
	Revocations            *prometheus.CounterVec
	Rotations              *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
	NotificationsDelivered *prometheus.CounterVec
}

func NewRegistryMetrics(reg prometheus.Registerer, namespace string) *RegistryMetrics {
	factory := promauto.With(reg)
	return &RegistryMetrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestation_submissions_total",
			Help:      "Attestation submissions by outcome",
		}, []string{"outcome"}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attestation_submit_duration_seconds",
			Help:      "Duration of attestation submissions",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		Revocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_revocations_total",
			Help:      "Record revocations by outcome",
		}, []string{"outcome"}),
		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuer_rotations_total",
			Help:      "Issuer rotations by outcome",
		}, []string{"outcome"}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full",
		}),
		NotificationsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notification deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),
	}
}

func (m *RegistryMetrics) ObserveSubmission(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
	m.SubmitDuration.Observe(time.Since(start).Seconds())
}

func (m *RegistryMetrics) IncRevocation(outcome string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(outcome).Inc()
}

func (m *RegistryMetrics) IncRotation(outcome string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
}

func (m *RegistryMetrics) IncDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

func (m *RegistryMetrics) IncDelivered(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.NotificationsDelivered.WithLabelValues(sink, outcome).Inc()
}
