package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetrics(t *testing.T) {
	var m Metrics = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.Counter("c", 1)
		m.Gauge("g", 1)
		m.Histogram("h", 1)
		m.Timing("t", time.Second)
	})
}

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Counter(MetricTransitions, 1, T("action", "RENEW"), T("owner_type", "STUDENT"))
	m.Counter(MetricTransitions, 2, T("owner_type", "STUDENT"), T("action", "RENEW"))
	m.Gauge(MetricOutboxLag, 1.5)
	m.Timing(MetricScanDuration, time.Second)

	assert.Equal(t, int64(3), m.GetCounter(MetricTransitions, T("action", "RENEW"), T("owner_type", "STUDENT")))
	assert.Zero(t, m.GetCounter(MetricTransitions, T("action", "EXPIRED")))
	assert.Equal(t, 1.5, m.GetGauge(MetricOutboxLag))
	assert.Equal(t, []time.Duration{time.Second}, m.GetTimings(MetricScanDuration))
}

func TestFormatKey(t *testing.T) {
	assert.Equal(t, "name", formatKey("name", nil))
	assert.Equal(t, "name:a=1:b=2", formatKey("name", []Tag{T("b", "2"), T("a", "1")}))
}
