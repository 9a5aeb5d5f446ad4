package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the anchoring module: creation and
// submission volume, verification outcomes, sync progress and ledger latency.
type Metrics struct {
	RecordsCreated    prometheus.Counter
	Submissions       *prometheus.CounterVec
	Verifications     *prometheus.CounterVec
	SyncTransitions   *prometheus.CounterVec
	LedgerCallSeconds *prometheus.HistogramVec
}

// New creates a Metrics instance with all anchoring metrics registered.
func New() *Metrics {
	return &Metrics{
		RecordsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_records_created_total",
			Help: "Total number of anchor records created",
		}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_submissions_total",
			Help: "Ledger submissions by network and outcome",
		}, []string{"network", "outcome"}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_verifications_total",
			Help: "Verification passes by outcome",
		}, []string{"outcome"}),
		SyncTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_sync_transitions_total",
			Help: "Record status transitions applied by the sync loop",
		}, []string{"to"}),
		LedgerCallSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attestor_ledger_call_duration_seconds",
			Help:    "Duration of ledger adapter calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"network", "operation"}),
	}
}

// IncrementRecordsCreated records a successful record creation.
func (m *Metrics) IncrementRecordsCreated() {
	if m == nil {
		return
	}
	m.RecordsCreated.Inc()
}

// IncrementSubmission records a ledger submission outcome.
func (m *Metrics) IncrementSubmission(network, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(network, outcome).Inc()
}

// IncrementVerification records a verification outcome.
func (m *Metrics) IncrementVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

// IncrementSyncTransition records a status transition applied by sync.
func (m *Metrics) IncrementSyncTransition(to string) {
	if m == nil {
		return
	}
	m.SyncTransitions.WithLabelValues(to).Inc()
}

// ObserveLedgerCall records the duration of an adapter call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveLedgerCall(network, operation string, start time.Time) {
	if m == nil {
		return
	}
	m.LedgerCallSeconds.WithLabelValues(network, operation).Observe(time.Since(start).Seconds())
}
