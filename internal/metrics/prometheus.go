package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric name.
const Namespace = "connserve"

// Register exports the collector's counters to reg.  Values are read
// from the atomics at scrape time, so nothing is double-counted.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		gauge("connections_active", "Currently registered connections.", &c.connectionsActive),
		counter("connections_total", "Connections accepted and dispatched.", &c.connectionsTotal),
		counter("connections_rejected_total", "Connections refused by admission control or the connection cap.", &c.connectionsRejected),
		counter("tls_handshake_failures_total", "Failed TLS handshakes.", &c.handshakeFailures),
		counter("bytes_received_total", "Bytes read from clients.", &c.bytesIn),
		counter("bytes_sent_total", "Bytes written to clients.", &c.bytesOut),
		gauge("workers_live", "Running pool workers.", &c.workersLive),
		counter("workers_reaped_total", "Workers that exited after idling.", &c.workersReaped),
		gauge("tasks_active", "Tasks currently executing.", &c.tasksActive),
		counter("tasks_total", "Tasks finished, successfully or not.", &c.tasksTotal),
		counter("tasks_failed_total", "Tasks that returned an error or panicked.", &c.tasksFailed),
		counter("errors_total", "Errors recorded by the server.", &c.errorsTotal),
	}

	var errs []error
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler returns an HTTP handler serving a fresh registry that holds
// only this collector's metrics plus the Go runtime collectors.
func (c *Collector) Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := c.Register(reg); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
