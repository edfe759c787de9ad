package memcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropbox/mcache/errors"
)

const metricsNamespace = "mcache"

// Latency buckets, in milliseconds.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

type clientMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	serverUp          *prometheus.GaugeVec
	markDownsTotal    *prometheus.CounterVec
	restorationsTotal *prometheus.CounterVec
}

// Registers the client collectors on registerer.  A nil registerer means a
// private registry.  Collectors which are already registered (e.g., by a
// second client sharing the registerer) are reused.
func newClientMetrics(registerer prometheus.Registerer) (*clientMetrics, error) {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &clientMetrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Total number of memcache operations, by op and result",
			},
			[]string{"op", "result"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Duration of memcache operations in milliseconds",
				Buckets:   latencyBuckets,
			},
			[]string{"op"},
		),

		serverUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "server_up",
				Help:      "1 when the server is UP, 0 when DOWN",
			},
			[]string{"server"},
		),

		markDownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "server_mark_downs_total",
				Help:      "Total number of times a server was marked DOWN",
			},
			[]string{"server"},
		),

		restorationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "server_restorations_total",
				Help:      "Total number of restoration health checks, by result",
			},
			[]string{"server", "result"},
		),
	}

	var err error
	if m.operationsTotal, err = register(registerer, m.operationsTotal); err != nil {
		return nil, err
	}
	if m.operationDuration, err = register(registerer, m.operationDuration); err != nil {
		return nil, err
	}
	if m.serverUp, err = register(registerer, m.serverUp); err != nil {
		return nil, err
	}
	if m.markDownsTotal, err = register(registerer, m.markDownsTotal); err != nil {
		return nil, err
	}
	if m.restorationsTotal, err = register(registerer, m.restorationsTotal); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](
	registerer prometheus.Registerer,
	collector T) (T, error) {

	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return collector, errors.Wrap(err, "Failed to register memcache metrics")
}

func (m *clientMetrics) observe(op opCode, result string, start time.Time, end time.Time) {
	m.operationsTotal.WithLabelValues(op.String(), result).Inc()
	m.operationDuration.WithLabelValues(op.String()).Observe(
		float64(end.Sub(start)) / float64(time.Millisecond))
}

func (m *clientMetrics) setServerUp(address string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.serverUp.WithLabelValues(address).Set(value)
}

func (m *clientMetrics) markedDown(address string) {
	m.markDownsTotal.WithLabelValues(address).Inc()
	m.setServerUp(address, false)
}

func (m *clientMetrics) restoration(address string, ok bool) {
	result := "failed"
	if ok {
		result = "restored"
	}
	m.restorationsTotal.WithLabelValues(address, result).Inc()
	if ok {
		m.setServerUp(address, true)
	}
}

// Maps a response into the result label.
func resultLabel(resp *genericResponse) string {
	if resp.err != nil {
		switch {
		case errors.Is(resp.err, ErrInvalidKey),
			errors.Is(resp.err, ErrValueTooLarge):
			return "invalid"
		case errors.Is(resp.err, ErrNoServers):
			return "no_servers"
		case errors.Is(resp.err, ErrClientClosed):
			return "closed"
		default:
			return "unavailable"
		}
	}
	if resp.Error() != nil {
		return "server_error"
	}
	switch resp.status {
	case StatusNoError:
		return "ok"
	case StatusKeyNotFound:
		return "not_found"
	case StatusItemNotStored:
		return "not_stored"
	case StatusKeyExists:
		return "exists"
	case StatusIncrDecrOnNonNumericValue:
		return "non_numeric"
	}
	return "other"
}
