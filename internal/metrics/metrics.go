package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the pipeline and ledger instruments.
type Metrics struct {
	JobsClaimed      prometheus.Counter
	JobOutcomes      *prometheus.CounterVec   // outcome: completed/retried/failed
	ProviderDuration *prometheus.HistogramVec // result: ok/error
	LedgerOps        *prometheus.CounterVec   // op, result
	WebhookEvents    *prometheus.CounterVec   // provider, type, result
	Submissions      *prometheus.CounterVec   // result
	StaleReclaimed   prometheus.Counter
	TrialsExpired    prometheus.Counter
}

// New registers every instrument on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "restyle_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "restyle_job_outcomes_total",
			Help: "Job attempts by outcome",
		}, []string{"outcome"}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restyle_provider_duration_seconds",
			Help:    "Duration of image provider calls",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		}, []string{"result"}),
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "restyle_ledger_operations_total",
			Help: "Credit ledger operations by kind and result",
		}, []string{"op", "result"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "restyle_webhook_events_total",
			Help: "Payment webhook events by provider, type and result",
		}, []string{"provider", "type", "result"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "restyle_submissions_total",
			Help: "Generation submissions by result",
		}, []string{"result"}),
		StaleReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "restyle_stale_jobs_reclaimed_total",
			Help: "Jobs reclaimed after their claim went stale",
		}),
		TrialsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "restyle_trials_expired_total",
			Help: "Trials switched off by the expiry sweep",
		}),
	}
}

// Nop returns instruments registered on a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveProvider(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Ledger(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
}
