package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "payment"

var (
	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"route"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state per upstream source (0 closed, 1 half-open, 2 open).",
		},
		[]string{"source"},
	)

	SourceRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_request_total",
			Help:      "Calls to external chain/price sources by outcome.",
		},
		[]string{"kind", "source", "result"}, // kind: explorer/price
	)

	SourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_seconds",
			Help:      "External source latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms ~ 25s
		},
		[]string{"kind", "source"},
	)

	PaymentTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transition_total",
			Help:      "Payment request state transitions.",
		},
		[]string{"status"},
	)

	SweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_total",
			Help:      "Sweep attempts by outcome.",
		},
		[]string{"result"},
	)

	SweepInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sweep_in_flight",
		Help:      "Addresses currently being swept.",
	})

	PriceFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fallback_total",
			Help:      "Price lookups served from last-known-good or floor.",
		},
		[]string{"kind"}, // last_good / floor
	)

	MonitorPassSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_pass_seconds",
			Help:      "Background monitor pass duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"trigger"},
	)

	GoroutinePanicTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_panic_total",
			Help:      "Recovered goroutine panics.",
		},
		[]string{"task"},
	)
)

var registerOnce sync.Once

// MustRegister 只注册一次；单测里多次构造 router 也不会 panic
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RateLimitBlockTotal, CBState,
			SourceRequestTotal, SourceLatency,
			PaymentTransitionTotal, SweepTotal, SweepInFlight,
			PriceFallbackTotal, MonitorPassSeconds, GoroutinePanicTotal,
		)
	})
}
