// Package metrics exposes Prometheus collectors for the daemon's /metrics
// endpoint.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hostforge/vmlab/internal/domain"
)

var (
	MachinesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmlab",
		Name:      "machines_running",
		Help:      "Number of machines currently in the running state.",
	})

	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmlab",
		Name:      "operations_total",
		Help:      "Per-machine topology operations by kind and outcome.",
	}, []string{"op", "outcome"})

	OperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vmlab",
		Name:      "operation_duration_seconds",
		Help:      "Duration of per-machine topology operations.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"op"})

	ProvisionStepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vmlab",
		Name:      "provision_step_failures_total",
		Help:      "Provisioning steps that exited non-zero.",
	})

	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmlab",
		Name:      "host_cpu_percent",
		Help:      "Host CPU utilization sampled by the daemon.",
	})

	HostMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmlab",
		Name:      "host_memory_percent",
		Help:      "Host memory utilization sampled by the daemon.",
	})
)

// RecordOperation tracks one per-machine operation result.
func RecordOperation(op string, err error, took time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var provErr domain.ErrProvision
		if errors.As(err, &provErr) {
			ProvisionStepFailures.Inc()
		}
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationSeconds.WithLabelValues(op).Observe(took.Seconds())
}
