package bus

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTransport = "transport"
)

// Metrics records bus traffic. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	callsTotal      *prometheus.CounterVec
	callSeconds     *prometheus.HistogramVec
	handledTotal    *prometheus.CounterVec
	handleSeconds   *prometheus.HistogramVec
	registeredTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repobus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "repobus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// NewMetrics creates bus metrics. A nil registerer means the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		callsTotal:      newCounterVec("calls_total", "Requests issued by the bus client", []string{"address", "outcome"}),
		callSeconds:     newHistogramVec("call_duration_seconds", "Round trip time of bus client requests", []string{"address"}),
		handledTotal:    newCounterVec("handled_total", "Requests answered by registered endpoints", []string{"address", "status"}),
		handleSeconds:   newHistogramVec("handle_duration_seconds", "Time spent in endpoint handlers", []string{"address"}),
		registeredTotal: newCounterVec("registrations_total", "Endpoint registration attempts", []string{"address", "result"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callSeconds,
		m.handledTotal,
		m.handleSeconds,
		m.registeredTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) recordCall(address, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(address, outcome).Inc()
	m.callSeconds.WithLabelValues(address).Observe(elapsed.Seconds())
}

func (m *Metrics) recordHandled(address string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handledTotal.WithLabelValues(address, strconv.Itoa(status)).Inc()
	m.handleSeconds.WithLabelValues(address).Observe(elapsed.Seconds())
}

func (m *Metrics) recordRegistration(address string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.registeredTotal.WithLabelValues(address, result).Inc()
}
