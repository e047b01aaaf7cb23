package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	RolloutsTotal.WithLabelValues("deploy", "succeeded").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(RolloutsTotal.WithLabelValues("deploy", "succeeded")))

	before := testutil.ToFloat64(LockContentionTotal)
	LockContentionTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(LockContentionTotal))

	HealthCheckAttempts.WithLabelValues("web", "healthy").Observe(3)
	assert.Equal(t, 1, testutil.CollectAndCount(HealthCheckAttempts))
}
