// Package metrics wires Prometheus metrics for the runtime. The
// registration helpers are built on top of by internal/udpserver/metrics.go
// and internal/integration/mqtt/metrics.go: a package-level func(labels)
// closure is derived once at init() time from a MustRegister call, so call
// sites never touch the prometheus package directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var namespace = "semtech_udp"

// MustRegisterNewCounter registers a CounterVec under the given name and
// returns a closure that increments the series identified by labels.
func MustRegisterNewCounter(name, help string, labels []string) func(prometheus.Labels) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	prometheus.MustRegister(c)

	return func(l prometheus.Labels) {
		c.With(l).Inc()
	}
}

// MustRegisterNewGauge registers a GaugeVec and returns a closure that sets
// the series identified by labels.
func MustRegisterNewGauge(name, help string, labels []string) func(prometheus.Labels, float64) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	prometheus.MustRegister(g)

	return func(l prometheus.Labels, v float64) {
		g.With(l).Set(v)
	}
}

// MustRegisterNewTimerWithError registers a HistogramVec of call durations
// (seconds) and returns a closure that times f, records its duration under
// labels and returns f's error unchanged. Success and error are recorded
// alike; the outcome is not a label.
func MustRegisterNewTimerWithError(name, help string, labels []string) func(prometheus.Labels, func() error) error {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name + "_seconds",
		Help:      help,
	}, labels)
	prometheus.MustRegister(h)

	return func(l prometheus.Labels, f func() error) error {
		start := time.Now()
		err := f()
		h.With(l).Observe(time.Since(start).Seconds())
		return err
	}
}

// Config is the subset of the embedding's configuration this package reads.
type Config struct {
	EndpointEnabled bool
	Bind            string
}

// Serve starts the /metrics HTTP endpoint in the background if enabled,
// as one of the startup tasks cmd/.../root_run.go runs before the runtime
// accepts traffic.
func Serve(conf Config) error {
	if !conf.EndpointEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.WithField("bind", conf.Bind).Info("metrics: starting prometheus endpoint")
	go func() {
		if err := http.ListenAndServe(conf.Bind, mux); err != nil {
			log.WithError(errors.Wrap(err, "metrics: http server error")).Error("metrics: endpoint stopped")
		}
	}()

	return nil
}
