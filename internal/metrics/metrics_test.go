package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(triageRequestsTotal.WithLabelValues("ledger"))
	ObserveTriage(-time.Second, "ledger")
	assert.Equal(t, before+1, testutil.ToFloat64(triageRequestsTotal.WithLabelValues("ledger")))

	before = testutil.ToFloat64(egressAttemptsTotal.WithLabelValues(TargetAI, OutcomeRetry))
	ObserveEgress(TargetAI, OutcomeRetry)
	assert.Equal(t, before+1, testutil.ToFloat64(egressAttemptsTotal.WithLabelValues(TargetAI, OutcomeRetry)))

	SetQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(schedulerQueueDepth))
}
