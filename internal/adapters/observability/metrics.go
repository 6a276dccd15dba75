package observability

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkstudio", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkstudio", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkstudio", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkstudio", Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds (time to response headers).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkstudio", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkstudio", Name: "policy_decisions_total", Help: "Policy evaluations by outcome."},
		[]string{"scope", "decision"},
	)
	ChatStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkstudio", Name: "chat_streams_total", Help: "Relayed chat streams by outcome."},
		[]string{"outcome"}, // outcome: completed|blocked|cancelled|timeout|failed
	)
	ChatStreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inkstudio", Name: "chat_stream_duration_seconds",
		Help:    "Time from upstream open to last frame.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})
	SSEMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inkstudio", Name: "sse_malformed_frames_total", Help: "Upstream data lines dropped as undecodable.",
	})
)

// Serve exposes /metrics on its own listener at addr. An empty addr disables
// it and returns a nil server.
func Serve(addr string) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(InitRegistry()))
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("metrics server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv, nil
}

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry returns the process registry, creating it on first use.
func InitRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
			PolicyDecisions, ChatStreams, ChatStreamDuration, SSEMalformed)
	})
	return registry
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObservePolicy(scope, decision string) {
	PolicyDecisions.WithLabelValues(scope, decision).Inc()
}

func ObserveChatStream(outcome string, dur time.Duration, malformed int) {
	ChatStreams.WithLabelValues(outcome).Inc()
	if dur > 0 {
		ChatStreamDuration.Observe(dur.Seconds())
	}
	if malformed > 0 {
		SSEMalformed.Add(float64(malformed))
	}
}
