// Package metrics exposes udptunnel's runtime counters as Prometheus
// metrics over an optional HTTP endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics exported by both the server and the client.
// Only the gauges/counters relevant to a given role are ever touched; the
// rest stay at zero.
type Registry struct {
	reg *prometheus.Registry

	SessionsActive    prometheus.Gauge
	PeerSocketsActive prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	BytesTotal        *prometheus.CounterVec
	KeepalivesTotal   prometheus.Counter
}

// NewRegistry constructs a fresh Registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "udptunnel_sessions_active",
			Help: "Number of client sessions currently registered on the server.",
		}),
		PeerSocketsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "udptunnel_peer_sockets_active",
			Help: "Number of peer sockets currently open on the client.",
		}),
		FramesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "udptunnel_frames_total",
			Help: "Total Frames processed, labeled by direction.",
		}, []string{"direction"}),
		BytesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "udptunnel_bytes_total",
			Help: "Total encoded bytes processed, labeled by direction.",
		}, []string{"direction"}),
		KeepalivesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "udptunnel_keepalives_total",
			Help: "Total Keepalive Frames observed by the server.",
		}),
	}
	return r
}

// ObserveTx records an outbound Frame of n encoded bytes.
func (r *Registry) ObserveTx(n int) {
	r.FramesTotal.WithLabelValues("tx").Inc()
	r.BytesTotal.WithLabelValues("tx").Add(float64(n))
}

// ObserveRx records an inbound Frame of n encoded bytes.
func (r *Registry) ObserveRx(n int) {
	r.FramesTotal.WithLabelValues("rx").Inc()
	r.BytesTotal.WithLabelValues("rx").Add(float64(n))
}

// Serve runs a promhttp server on addr until ctx is cancelled. It returns
// only on a listen failure or on graceful shutdown triggered by ctx.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
