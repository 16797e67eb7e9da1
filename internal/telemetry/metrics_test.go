package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetRaceStatusIsOneHot(t *testing.T) {
	m := NewMetrics()
	all := []string{"idle", "racing", "finished"}

	m.SetRaceStatus("racing", all)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.RaceStatusGauge.WithLabelValues("idle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RaceStatusGauge.WithLabelValues("racing")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RaceStatusGauge.WithLabelValues("finished")))

	m.SetRaceStatus("idle", all)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RaceStatusGauge.WithLabelValues("idle")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RaceStatusGauge.WithLabelValues("racing")))
}
