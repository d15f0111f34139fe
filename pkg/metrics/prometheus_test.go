package metrics

import (
	"testing"

	"ArbCore/internal/domain/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCountsExecutions(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.RecordExecution(models.StatusRejected, models.ReasonSportExposure)
	r.RecordExecution(models.StatusRejected, models.ReasonSportExposure)
	r.RecordExecution(models.StatusFilled, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.executions.WithLabelValues("REJECTED", models.ReasonSportExposure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executions.WithLabelValues("FILLED", "")))
}

func TestRecorderGauges(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.SetHealthCounts(3, 1, 0, 2)
	r.SetShardStates(4, 1)
	r.SetOpenPositions(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.instances.WithLabelValues("MISSING")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.shards.WithLabelValues("LIVE")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.openPositions))
}
