// internal/metrics/metrics.go

// Package metrics defines the prometheus collectors for provisioning, funding and settlement.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainflow"

// Provisioning outcomes.
const (
	ProvisionExisting  = "existing"
	ProvisionCreated   = "created"
	ProvisionRecovered = "recovered" // lost the insert race and re-fetched the winner
	ProvisionExhausted = "exhausted"
	ProvisionFailed    = "failed"
)

// Metrics groups every collector the service records.
type Metrics struct {
	ProvisioningOutcomes *prometheus.CounterVec
	ProvisioningAttempts prometheus.Histogram
	DiscardedAccounts    prometheus.Counter
	FundingOutcomes      *prometheus.CounterVec
	SettlementResults    *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	ChainReadFailures    *prometheus.CounterVec
	GuardRejections      *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProvisioningOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "outcomes_total",
			Help:      "EnsureWallet results by outcome.",
		}, []string{"outcome"}),
		ProvisioningAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "attempts",
			Help:      "Creation attempts used per provisioning request.",
			Buckets:   []float64{1, 2, 3},
		}),
		DiscardedAccounts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "discarded_accounts_total",
			Help:      "Accounts minted by losing racers and discarded.",
		}),
		FundingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funding",
			Name:      "outcomes_total",
			Help:      "Funding requests by asset and outcome.",
		}, []string{"asset", "outcome"}),
		SettlementResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "results_total",
			Help:      "Settlement runs by asset and terminal state.",
		}, []string{"asset", "state"}),
		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from grace start to terminal state.",
			Buckets:   []float64{3, 5, 10, 20, 30, 45, 60, 90, 120},
		}, []string{"asset"}),
		ChainReadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "read_failures_total",
			Help:      "Balance reads that failed and were absorbed.",
		}, []string{"asset"}),
		GuardRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Calls rejected because an identical call was in flight.",
		}, []string{"operation"}),
	}
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
