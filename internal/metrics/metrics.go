// Package metrics implements the metrics endpoint: a TCP
// listener serving Prometheus-format counters total_requests and
// total_rejections on GET /.
//
// Grounded on the Prometheus usage pattern in other_examples'
// Bitcoin Sprint engine (promauto.NewCounter + promhttp.Handler on a
// dedicated mux), the idiomatic shape for a Prometheus metrics
// endpoint in this style of service.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fixed counter set the runtime exposes, plus a few
// admission/dispatch gauges for operational visibility.
type Metrics struct {
	TotalRequests   prometheus.Counter
	TotalRejections prometheus.Counter

	AdmittedCost prometheus.Gauge
	QueueDepth   *prometheus.GaugeVec // labeled by worker id
}

// New registers and returns a fresh Metrics set against the default
// registry.
func New() *Metrics {
	return &Metrics{
		TotalRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "total_requests",
			Help: "Total requests received.",
		}),
		TotalRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "total_rejections",
			Help: "Total requests rejected by admission control.",
		}),
		AdmittedCost: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "admitted_cost_units",
			Help: "Current admitted-cost counter value.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current local run queue depth per worker.",
		}, []string{"worker"}),
	}
}

// Server serves GET / with the Prometheus exposition format on a
// dedicated listener address.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics HTTP server bound to addr, not yet
// listening.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks serving metrics until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.httpServer.Shutdown(context.Background())
	}()
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
