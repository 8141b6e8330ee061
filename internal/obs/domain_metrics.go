package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// RelayOperationTotal counts relay operation outcomes by error kind.
	RelayOperationTotal *prometheus.CounterVec
	// RelayOperationLatency records relay operation latency in milliseconds.
	RelayOperationLatency *prometheus.HistogramVec
	// CheckoutTransitionTotal counts state machine transitions.
	CheckoutTransitionTotal *prometheus.CounterVec
	// SavedCardsTotal counts credential store mutations.
	SavedCardsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		RelayOperationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_operation_total",
			Help:      "Count of relay operation outcomes.",
		}, []string{"operation", "result"})
		RelayOperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_operation_duration_ms",
			Help:      "Latency of relay operations in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"operation"})
		CheckoutTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transition_total",
			Help:      "Count of checkout state transitions.",
		}, []string{"from", "to"})
		SavedCardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saved_cards_total",
			Help:      "Count of saved card store mutations.",
		}, []string{"action"})

		RelayOperationTotal = registerOrReuse(reg, RelayOperationTotal)
		RelayOperationLatency = registerOrReuse(reg, RelayOperationLatency)
		CheckoutTransitionTotal = registerOrReuse(reg, CheckoutTransitionTotal)
		SavedCardsTotal = registerOrReuse(reg, SavedCardsTotal)
	})
}

// ObserveRelayOperation records one relay outcome. It is a no-op until the domain metrics
// are registered.
func ObserveRelayOperation(operation, result string, elapsed time.Duration) {
	if RelayOperationTotal != nil {
		RelayOperationTotal.WithLabelValues(operation, result).Inc()
	}
	if RelayOperationLatency != nil {
		RelayOperationLatency.WithLabelValues(operation).Observe(DurationMillis(elapsed))
	}
}

// ObserveCheckoutTransition records a state change.
func ObserveCheckoutTransition(from, to string) {
	if CheckoutTransitionTotal != nil {
		CheckoutTransitionTotal.WithLabelValues(from, to).Inc()
	}
}

// ObserveSavedCard records a credential store mutation.
func ObserveSavedCard(action string) {
	if SavedCardsTotal != nil {
		SavedCardsTotal.WithLabelValues(action).Inc()
	}
}
