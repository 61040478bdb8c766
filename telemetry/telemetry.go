package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure kinds reported through IncConnectFailure.
const (
	FailureCanceled = "canceled"
	FailureConnect  = "connect"
)

// Collector captures telemetry events emitted by the connection runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with connect attempts and handle registration.
type Collector interface {
	IncConnectAttempt(address string)
	IncConnectFailure(address, kind string)
	AddActiveContexts(delta int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConnectAttempt(string)         {}
func (noopCollector) IncConnectFailure(string, string) {}
func (noopCollector) AddActiveContexts(int)            {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	active   prometheus.Gauge
}

var (
	registryLock   sync.Mutex
	attemptCounter *prometheus.CounterVec
	failureCounter *prometheus.CounterVec
	activeGauge    prometheus.Gauge
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registryLock.Lock()
	defer registryLock.Unlock()

	if attemptCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerctx_connect_attempts_total",
			Help: "Number of connect attempts started per endpoint.",
		}, []string{"address"})
		existing, err := register(reg, counter)
		if err != nil {
			return nil, err
		}
		attemptCounter = existing
	}

	if failureCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerctx_connect_failures_total",
			Help: "Number of connect attempts that failed, by endpoint and failure kind.",
		}, []string{"address", "kind"})
		existing, err := register(reg, counter)
		if err != nil {
			return nil, err
		}
		failureCounter = existing
	}

	if activeGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokerctx_active_contexts",
			Help: "Number of shared contexts currently checked out by consumers.",
		})
		existing, err := register(reg, gauge)
		if err != nil {
			return nil, err
		}
		activeGauge = existing
	}

	return &PrometheusCollector{
		attempts: attemptCounter,
		failures: failureCounter,
		active:   activeGauge,
	}, nil
}

// register adds c to reg, returning the already registered collector when an
// identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncConnectAttempt counts a connect attempt for address.
func (p *PrometheusCollector) IncConnectAttempt(address string) {
	if p == nil || p.attempts == nil {
		return
	}
	p.attempts.WithLabelValues(address).Inc()
}

// IncConnectFailure counts a failed connect attempt.
func (p *PrometheusCollector) IncConnectFailure(address, kind string) {
	if p == nil || p.failures == nil {
		return
	}
	p.failures.WithLabelValues(address, kind).Inc()
}

// AddActiveContexts moves the active context gauge by delta.
func (p *PrometheusCollector) AddActiveContexts(delta int) {
	if p == nil || p.active == nil || delta == 0 {
		return
	}
	p.active.Add(float64(delta))
}
