package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmconsole/vmconsole/internal/models"
)

// Metrics collects Prometheus counters and histograms for vmconsoled.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry          *prometheus.Registry
	vmCreatedTotal    *prometheus.CounterVec
	vmTerminatedTotal *prometheus.CounterVec
	vmTransitions     *prometheus.CounterVec
	providerErrors    *prometheus.CounterVec
	vmBootSeconds     prometheus.Histogram
}

// NewMetrics constructs a private registry with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	vmCreatedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmconsole",
			Subsystem: "vm",
			Name:      "created_total",
			Help:      "Total number of VMs created.",
		},
		[]string{"provider"},
	)
	vmTerminatedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmconsole",
			Subsystem: "vm",
			Name:      "terminated_total",
			Help:      "Total number of VMs terminated.",
		},
		[]string{"provider"},
	)
	vmTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmconsole",
			Subsystem: "vm",
			Name:      "transitions_total",
			Help:      "VM state transitions observed while listing.",
		},
		[]string{"from", "to"},
	)
	providerErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmconsole",
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Failed cloud provider calls.",
		},
		[]string{"op"},
	)
	vmBootSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vmconsole",
			Subsystem: "vm",
			Name:      "boot_seconds",
			Help:      "Time from VM creation until it was first seen running.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
	)

	registry.MustRegister(
		vmCreatedTotal,
		vmTerminatedTotal,
		vmTransitions,
		providerErrors,
		vmBootSeconds,
	)

	return &Metrics{
		registry:          registry,
		vmCreatedTotal:    vmCreatedTotal,
		vmTerminatedTotal: vmTerminatedTotal,
		vmTransitions:     vmTransitions,
		providerErrors:    providerErrors,
		vmBootSeconds:     vmBootSeconds,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncCreated(p models.Provider) {
	if m == nil {
		return
	}
	m.vmCreatedTotal.WithLabelValues(string(p)).Inc()
}

func (m *Metrics) IncTerminated(p models.Provider) {
	if m == nil {
		return
	}
	m.vmTerminatedTotal.WithLabelValues(string(p)).Inc()
}

func (m *Metrics) IncTransition(from, to models.VMState) {
	if m == nil {
		return
	}
	m.vmTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncProviderError(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.providerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveBoot(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.vmBootSeconds.Observe(seconds)
}
