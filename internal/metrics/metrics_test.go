package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("booking", reg)

	m.HoldsCreated.Inc()
	m.IdempotencyOutcomes.WithLabelValues("booking.create", "replayed").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HoldsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IdempotencyOutcomes.WithLabelValues("booking.create", "replayed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "booking_holds_created_total")
	assert.Contains(t, names, "booking_idempotency_requests_total")
}

func TestNewUnregistered_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewUnregistered()
		NewUnregistered()
	})
}
