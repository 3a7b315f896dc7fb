// Invariants are conditions that must hold unless there is a bug in this repo, e.g. a cache region index out of
// range or a stored value of the wrong type. Violating one never crashes a production process: the violation is
// logged, counted in `simplr_invariants_total`, and the caller falls back to safe behavior (usually a cache miss).
// In test mode the violation panics so tests catch it.
//
// Only use invariants for conditions this code base controls. A missing OS memory-pressure primitive is an
// external factor and is handled by degrading, not by raising an invariant.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simplr_invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of the given `module`. `args` are slog key/value attributes.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of invariant metric with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads the current value of a Prometheus counter. Returns 0 if the counter can't be read.
func CounterValue(counter prometheus.Counter) float64 {
	var metric = &promclient.Metric{}
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}
