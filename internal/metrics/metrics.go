package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds collectors registered against an injected registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	LedgerAppends      prometheus.Counter
	LedgerAppendErrors prometheus.Counter
	AppendDuration     prometheus.Histogram
	ChallengesIssued   prometheus.Counter
	SignatureOutcomes  *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
	Exports            *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "attestline_ledger_appends_total",
			Help: "Total number of events appended to the audit ledger",
		}),
		LedgerAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "attestline_ledger_append_errors_total",
			Help: "Total number of failed ledger write transactions",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attestline_ledger_write_duration_seconds",
			Help:    "Duration of ledger write transactions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ChallengesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "attestline_signature_challenges_total",
			Help: "Total number of signature challenges issued",
		}),
		SignatureOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attestline_signature_completions_total",
			Help: "Signature completion attempts by result",
		}, []string{"result"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attestline_verifications_total",
			Help: "Chain and signature verifications by kind and result",
		}, []string{"kind", "result"}),
		Exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attestline_exports_total",
			Help: "Audit trail exports by format",
		}, []string{"format"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attestline_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveWrite(started time.Time, appended int, err error) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.LedgerAppendErrors.Inc()
		return
	}
	m.LedgerAppends.Add(float64(appended))
}

func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.ChallengesIssued.Inc()
}

func (m *Metrics) SignatureOutcome(result string) {
	if m == nil {
		return
	}
	m.SignatureOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) Verified(kind string, valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.Verifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Exported(format string) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(format).Inc()
}

func (m *Metrics) WebhookDelivered(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}
