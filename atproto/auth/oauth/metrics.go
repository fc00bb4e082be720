package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_oauth_flows_started_total",
	Help: "Login flows started, by discovery strategy",
}, []string{"discovery"})

var flowFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_oauth_flow_failures_total",
	Help: "Login flows which failed, by phase and reason code",
}, []string{"phase", "reason"})

var flowsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atlogin_oauth_flows_completed_total",
	Help: "Login flows which completed the token exchange",
})

var flowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atlogin_oauth_phase_duration_seconds",
	Help:    "Time spent in each request-handling phase of the login flow",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 30, 20),
}, []string{"phase", "status"})

var enrichmentResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_oauth_enrichment_total",
	Help: "Profile and session enrichment fetches, by outcome",
}, []string{"fetch", "status"})
