// Package metrics exposes Prometheus counters for the bus, the poller and
// prompt delivery.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ambient/internal/events"
	"ambient/internal/logging"
	"ambient/internal/monitor"
)

const namespace = "ambient"

// Registry holds the agent's collectors. It implements events.Observer,
// monitor.Observer and agent.DeliveryObserver.
type Registry struct {
	reg *prometheus.Registry

	emitted       *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	pollCycles    *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	deliveryTime  prometheus.Histogram
}

// New creates a registry with all collectors registered, plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		emitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_emitted_total", Help: "Events accepted by the bus"},
			[]string{"kind"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_dispatched_total", Help: "Events handed to handlers"},
			[]string{"kind"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "handler_errors_total", Help: "Handler errors and panics"},
			[]string{"kind"},
		),
		pollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "poll_cycles_total", Help: "GitHub poll cycles by result"},
			[]string{"result"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Prompt deliveries by channel and outcome"},
			[]string{"channel", "ok"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Events waiting in the bus queue"},
		),
		deliveryTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time to deliver a prompt through the fallback chain",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}

	r.reg.MustRegister(
		r.emitted, r.dispatched, r.handlerErrors, r.pollCycles, r.deliveries, r.queueDepth, r.deliveryTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) EventEmitted(kind events.Kind)    { r.emitted.WithLabelValues(string(kind)).Inc() }
func (r *Registry) EventDispatched(kind events.Kind) { r.dispatched.WithLabelValues(string(kind)).Inc() }
func (r *Registry) HandlerFailed(kind events.Kind)   { r.handlerErrors.WithLabelValues(string(kind)).Inc() }
func (r *Registry) QueueDepth(depth int)             { r.queueDepth.Set(float64(depth)) }

// PollCompleted counts a poll cycle as ok, rate_limited or error.
func (r *Registry) PollCompleted(err error) {
	result := "ok"
	switch {
	case err == nil:
	case monitor.IsRateLimited(err):
		result = "rate_limited"
	default:
		result = "error"
	}
	r.pollCycles.WithLabelValues(result).Inc()
}

// Delivered records one pass through the fallback chain.
func (r *Registry) Delivered(channel string, ok bool, d time.Duration) {
	r.deliveries.WithLabelValues(channel, strconv.FormatBool(ok)).Inc()
	r.deliveryTime.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve listens on addr and serves /metrics until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	return r.ServeListener(ctx, ln)
}

// ServeListener serves /metrics on ln until ctx is done, then shuts down
// with a 5s grace.
func (r *Registry) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Get(logging.CategoryMetrics).Info("serving metrics on http://%s/metrics", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	<-errCh
	return nil
}
