package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DispatchOutcomes counts per-guest dispatch outcomes
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Number of dispatch outcomes by channel, status and error kind",
		},
		[]string{"channel", "status", "kind"},
	)

	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_provider_call_duration_seconds",
			Help:    "Histogram of provider call durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "mode"},
	)

	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_quota_denials_total",
			Help: "Number of sends refused by the quota ledger",
		},
		[]string{"channel", "reason"},
	)

	SchedulerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_polls_total",
			Help: "Number of scheduler poll cycles per event",
		},
		[]string{"result"},
	)

	FlowsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_flow_dispatches_total",
			Help: "Number of guests dispatched by automation flows",
		},
		[]string{"trigger"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
)

func Init() {
	prometheus.MustRegister(DispatchOutcomes, ProviderCallDuration, QuotaDenials, SchedulerPolls, FlowsFired, HTTPRequests)
}
