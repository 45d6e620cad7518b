// Package metrics defines the Prometheus instruments for the ledger,
// settlement worker and integrity sweep.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

const namespace = "tokenledger"

// Metrics holds every collector the service exports.
type Metrics struct {
	LedgerMutations   *prometheus.CounterVec
	LedgerAttempts    prometheus.Histogram
	Settlements       *prometheus.CounterVec
	SettleDuration    *prometheus.HistogramVec
	TokensDistributed prometheus.Counter
	RoundingResidual  prometheus.Counter
	SweepChecked      prometheus.Counter
	SweepIssues       *prometheus.CounterVec
	SweepLastRun      prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Balance mutations by transaction type and result.",
		}, []string{"type", "result"}),
		LedgerAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_mutation_attempts",
			Help:      "Store transactions needed per balance mutation.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_requests_total",
			Help:      "Settlement requests by action and outcome.",
		}, []string{"action", "outcome"}),
		SettleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of settlement requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		TokensDistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_tokens_distributed_total",
			Help:      "Tokens credited to winners.",
		}),
		RoundingResidual: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_rounding_residual_tokens_total",
			Help:      "Tokens kept as house revenue from floored payouts.",
		}),
		SweepChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_commitments_checked_total",
			Help:      "Commitments examined by the integrity sweep.",
		}),
		SweepIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_issues_total",
			Help:      "Integrity issues found, by field.",
		}, []string{"field"}),
		SweepLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LedgerMutations, m.LedgerAttempts,
		m.Settlements, m.SettleDuration, m.TokensDistributed, m.RoundingResidual,
		m.SweepChecked, m.SweepIssues, m.SweepLastRun,
	)
	return m
}

// ObserveMutation implements ledger.Observer.
func (m *Metrics) ObserveMutation(txType domain.TransactionType, attempts int, err error) {
	m.LedgerMutations.WithLabelValues(string(txType), mutationResult(err)).Inc()
	m.LedgerAttempts.Observe(float64(attempts))
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}

// ObserveSettlement records one settlement request.
func (m *Metrics) ObserveSettlement(action, outcome string, elapsed time.Duration) {
	m.Settlements.WithLabelValues(action, outcome).Inc()
	m.SettleDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObserveDistribution adds a committed distribution's totals.
func (m *Metrics) ObserveDistribution(distributed, residual int64) {
	m.TokensDistributed.Add(float64(distributed))
	m.RoundingResidual.Add(float64(residual))
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(checked int, issues map[string]int, at time.Time) {
	m.SweepChecked.Add(float64(checked))
	for field, n := range issues {
		m.SweepIssues.WithLabelValues(field).Add(float64(n))
	}
	m.SweepLastRun.Set(float64(at.Unix()))
}
