package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "transitions_total",
		Help:      "Task state transitions applied by the task manager.",
	}, []string{"from", "to"})

	paymentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "outcomes_total",
		Help:      "Payment gate decisions by route and outcome code.",
	}, []string{"route", "outcome"})

	verifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "verifier_duration_seconds",
		Help:      "Latency of payment verifier calls.",
		Buckets:   prometheus.DefBuckets,
	})

	rateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter admission decisions.",
	}, []string{"decision"})

	reputationLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reputation",
		Name:      "lookups_total",
		Help:      "Reputation lookups by result (hit, miss, error, skipped).",
	}, []string{"result"})

	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jsonrpc",
		Name:      "calls_total",
		Help:      "JSON-RPC calls by method and response code.",
	}, []string{"method", "code"})
)

func init() {
	registry.MustRegister(taskTransitions, paymentOutcomes, verifierLatency, rateLimitDecisions, reputationLookups, rpcCalls)
}

// ObserveTaskTransition counts an applied task state transition.
func ObserveTaskTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	taskTransitions.WithLabelValues(from, to).Inc()
}

// ObservePayment counts a payment gate decision.
func ObservePayment(route, outcome string) {
	paymentOutcomes.WithLabelValues(route, outcome).Inc()
}

// ObserveVerifier records how long a verifier call took.
func ObserveVerifier(seconds float64) {
	verifierLatency.Observe(seconds)
}

// ObserveRateLimit counts an admission decision.
func ObserveRateLimit(allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	rateLimitDecisions.WithLabelValues(decision).Inc()
}

// ObserveReputationLookup counts a reputation cache or source lookup.
func ObserveReputationLookup(result string) {
	reputationLookups.WithLabelValues(result).Inc()
}

// ObserveRPC counts a JSON-RPC call. code is 0 for successful calls.
func ObserveRPC(method string, code int) {
	rpcCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
