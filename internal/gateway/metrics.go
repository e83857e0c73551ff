package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "x402gw",
		Subsystem: "gateway",
		Name:      "decisions_total",
		Help:      "Access decisions by outcome.",
	}, []string{"outcome"}) // "subscription", "credit", "free", "paid", "payment_required", "payment_invalid", "verifier_unavailable", "rate_limited", "subscription_required"

	paymentsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402gw",
		Subsystem: "gateway",
		Name:      "payments_accepted_total",
		Help:      "Verified per-call payments that granted access.",
	})
)

func init() {
	prometheus.MustRegister(decisions, paymentsAccepted)
}
