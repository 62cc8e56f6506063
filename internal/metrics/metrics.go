// Package metrics owns the per-node Prometheus registry. Every node creates
// its own Registry so several nodes can share one process in tests without
// colliding on the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/trellis/internal/cluster"
)

const namespace = "trellis"

// Registry wraps a prometheus.Registry with the counters every node shares.
type Registry struct {
	reg *prometheus.Registry

	requests   *prometheus.CounterVec
	peerErrors *prometheus.CounterVec
}

// New creates a registry labelled with the node's role.
func New(role cluster.Role) *Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"role": role.String()}

	r := &Registry{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Data-plane requests handled, by operation and status.",
			ConstLabels: labels,
		}, []string{"operation", "status"}),
		peerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "peer_errors_total",
			Help:        "Failed calls to peer nodes, by call.",
			ConstLabels: labels,
		}, []string{"call"}),
	}
	reg.MustRegister(r.requests, r.peerErrors)
	reg.MustRegister(collectors.NewGoCollector())
	return r
}

// MustRegister adds node specific collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveRequest counts one handled data-plane request.
func (r *Registry) ObserveRequest(op cluster.Operation, status cluster.Status) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(string(op), string(status)).Inc()
}

// ObservePeerError counts one failed peer call.
func (r *Registry) ObservePeerError(call string) {
	if r == nil {
		return
	}
	r.peerErrors.WithLabelValues(call).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Register mounts /metrics on mux.
func (r *Registry) Register(mux *http.ServeMux) {
	mux.Handle("/metrics", r.Handler())
}
