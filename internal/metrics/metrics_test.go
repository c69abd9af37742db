package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistersDistinctCounters(t *testing.T) {
	m := New()
	assert.NotNil(t, m.TotalRequests)
	assert.NotNil(t, m.TotalRejections)
	m.TotalRequests.Inc()
	m.TotalRejections.Inc()
	m.AdmittedCost.Set(42)
	m.QueueDepth.WithLabelValues("0").Set(3)
}
