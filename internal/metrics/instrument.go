package metrics

import (
	"github.com/dandantas/scout/internal/resilience"
)

// Instrument registers observers that feed the resilience layer's activity
// into the collectors
func Instrument(guard *resilience.Guard, retry *resilience.RetryManager) {
	guard.OnCall(func(dependency, outcome string, res resilience.Result) {
		DependencyCalls.WithLabelValues(dependency, outcome).Inc()
		if outcome != resilience.OutcomeRejected {
			DependencyLatency.WithLabelValues(dependency).Observe(res.Elapsed.Seconds())
		}
	})

	if retry != nil {
		retry.OnAttempt(func(operation string, a resilience.Attempt) {
			RetryAttempts.WithLabelValues(operation, string(a.Classification.Category), string(a.Decision)).Inc()
		})
	}

	guard.Breakers().OnStateChange(func(name string, from, to resilience.CircuitState) {
		BreakerState.WithLabelValues(name).Set(float64(to))
		BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	})
}
