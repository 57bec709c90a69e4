package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Initiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Payment initiations by provider, purpose and outcome.",
	}, []string{"provider", "purpose", "outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Applied state transitions by subject and target status.",
	}, []string{"subject", "provider", "to"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Provider callbacks by kind and handling result.",
	}, []string{"provider", "kind", "result"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_call_duration_seconds",
		Help:    "Duration of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "status"})

	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_token_exchanges_total",
		Help: "Token exchanges by provider and result.",
	}, []string{"provider", "result"})

	PollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_poll_outcomes_total",
		Help: "Status poll outcomes by subject and result.",
	}, []string{"subject", "provider", "result"})

	StaleRefunds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payment_stale_refunds",
		Help: "Refunds still processing past the reconciliation window with no way to look them up.",
	}, []string{"provider"})
)
