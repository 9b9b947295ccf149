// Package metrics defines the Prometheus collectors of the compliance engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

const namespace = "dcc"

type Metrics struct {
	decisions         *prometheus.CounterVec
	blockReasons      *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	communications    *prometheus.CounterVec
	flagsCreated      *prometheus.CounterVec
	flagsResolved     *prometheus.CounterVec
	letterScores      prometheus.Histogram
	letterResults     *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in a server process and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presend",
				Name:      "decisions_total",
				Help:      "Pre-send gate decisions by outcome",
			},
			[]string{"outcome"},
		),
		blockReasons: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presend",
				Name:      "block_reasons_total",
				Help:      "Blocked sends by the issue that surfaced as block reason",
			},
			[]string{"reason"},
		),
		evaluationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "evaluation_duration_seconds",
				Help:      "Latency of compliance evaluations",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~0.3s
			},
			[]string{"operation"},
		),
		communications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "communications_logged_total",
				Help:      "Communication records appended to the audit log",
			},
			[]string{"direction", "channel", "blocked"},
		),
		flagsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "flags_created_total",
				Help:      "Compliance flags raised",
			},
			[]string{"type", "severity"},
		),
		flagsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "flags_resolved_total",
				Help:      "Compliance flags resolved",
			},
			[]string{"severity"},
		),
		letterScores: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "letter",
				Name:      "score",
				Help:      "Letter compliance scores",
				Buckets:   prometheus.LinearBuckets(10, 10, 10),
			},
		),
		letterResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "letter",
				Name:      "validations_total",
				Help:      "Letter validations by compliance outcome",
			},
			[]string{"compliant"},
		),
	}
}

// ObserveDecision records a gate decision and how long it took
func (m *Metrics) ObserveDecision(result *compliance.PreSendCheckResult, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}
	outcome := "allowed"
	if !result.Allowed {
		outcome = "blocked"
		m.blockReasons.WithLabelValues(blockReasonLabel(result.Issues)).Inc()
	}
	m.decisions.WithLabelValues(outcome).Inc()
	m.evaluationLatency.WithLabelValues("presend").Observe(elapsed.Seconds())
}

// ObserveLatency records the duration of a named operation
func (m *Metrics) ObserveLatency(operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) CommunicationLogged(record *compliance.CommunicationRecord) {
	if m == nil || record == nil {
		return
	}
	blocked := "false"
	if record.Blocked {
		blocked = "true"
	}
	m.communications.WithLabelValues(string(record.Direction), string(record.Channel), blocked).Inc()
}

func (m *Metrics) FlagCreated(flag *compliance.ComplianceFlag) {
	if m == nil || flag == nil {
		return
	}
	m.flagsCreated.WithLabelValues(string(flag.FlagType), string(flag.Severity)).Inc()
}

func (m *Metrics) FlagResolved(flag *compliance.ComplianceFlag) {
	if m == nil || flag == nil {
		return
	}
	m.flagsResolved.WithLabelValues(string(flag.Severity)).Inc()
}

func (m *Metrics) LetterValidated(result *compliance.LetterValidationResult) {
	if m == nil || result == nil {
		return
	}
	m.letterScores.Observe(float64(result.Score))
	compliant := "false"
	if result.IsCompliant {
		compliant = "true"
	}
	m.letterResults.WithLabelValues(compliant).Inc()
}

// blockReasonLabel returns the type of the first violation, which is the
// one the gate surfaces as block reason.
func blockReasonLabel(issues []compliance.ComplianceIssue) string {
	for _, issue := range issues {
		if issue.Severity == compliance.SeverityViolation {
			return string(issue.Type)
		}
	}
	return "unknown"
}
