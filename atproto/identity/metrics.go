package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_identity_resolve_handle",
	Help: "ATProto handle resolutions",
}, []string{"resolver", "status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atproto_identity_resolve_handle_duration",
	Help:    "Time to resolve a handle",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"resolver", "status"})

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_identity_resolve_did",
	Help: "ATProto DID resolutions",
}, []string{"resolver", "status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atproto_identity_resolve_did_duration",
	Help:    "Time to resolve a DID",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"resolver", "status"})

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_identity_cache_hits",
	Help: "Identity cache hits",
}, []string{"resolver", "kind"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_identity_cache_misses",
	Help: "Identity cache misses",
}, []string{"resolver", "kind"})

var requestsCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_identity_requests_coalesced",
	Help: "Identity lookups which waited on an identical in-flight lookup",
}, []string{"resolver", "kind"})
