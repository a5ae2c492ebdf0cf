// internal/metrics/metrics_test.go
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FundingOutcomes.WithLabelValues("NATIVE", "SKIPPED").Inc()
	m.ProvisioningOutcomes.WithLabelValues(ProvisionCreated).Inc()
	m.ProvisioningOutcomes.WithLabelValues(ProvisionCreated).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FundingOutcomes.WithLabelValues("NATIVE", "SKIPPED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProvisioningOutcomes.WithLabelValues(ProvisionCreated)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "chainflow_funding_outcomes_total")
	assert.Contains(t, names, "chainflow_provisioning_outcomes_total")
}

func TestNewTwiceOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
