package utils

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRaiseInvariant(t *testing.T) {
	invariantsMetric.Reset() // Reset the metric to ensure a clean state for the test
	RaiseInvariant("invariant", "test", "This is a test invariant violation")
	gotInvariants := GetMetricValue("invariant" /*module*/, "test" /*invariantType*/)
	assert.Equal(t, 1, gotInvariants)
}

func TestRaiseInvariant_PanicsInTestMode(t *testing.T) {
	IsTestMode = true
	t.Cleanup(func() { IsTestMode = false })
	assert.PanicsWithValue(t, "invariant violated: boom", func() {
		RaiseInvariant("invariant", "boom", "Should panic in test mode.")
	})
}

func TestCounterValue(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_value", Help: "test"})
	assert.Zero(t, CounterValue(counter))
	counter.Add(3)
	assert.Equal(t, 3.0, CounterValue(counter))
}
