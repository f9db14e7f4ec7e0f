package drip

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/outreach/internal/sequence"
)

// Hooks are optional callbacks fired by the Sequencer and Service. Nil
// fields are skipped.
type Hooks struct {
	OnDispatch   func(sequenceID string, ch sequence.Channel, outcome Outcome, seconds float64)
	OnRecovered  func(sequenceID string)
	OnTransition func(to Status, cause Cause)
	OnTick       func(due int, seconds float64)
	OnEnroll     func(result string)
}

func (h Hooks) dispatch(sequenceID string, ch sequence.Channel, outcome Outcome, seconds float64) {
	if h.OnDispatch != nil {
		h.OnDispatch(sequenceID, ch, outcome, seconds)
	}
}

func (h Hooks) recovered(sequenceID string) {
	if h.OnRecovered != nil {
		h.OnRecovered(sequenceID)
	}
}

func (h Hooks) transition(to Status, cause Cause) {
	if h.OnTransition != nil {
		h.OnTransition(to, cause)
	}
}

func (h Hooks) tick(due int, seconds float64) {
	if h.OnTick != nil {
		h.OnTick(due, seconds)
	}
}

func (h Hooks) enroll(result string) {
	if h.OnEnroll != nil {
		h.OnEnroll(result)
	}
}

// Metrics holds Prometheus metrics for the drip engine.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RecoveredTotal   *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	TickDue          prometheus.Gauge
	EnrollmentsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns drip metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_dispatch_total",
			Help: "Total step dispatch attempts by sequence, channel and outcome.",
		}, []string{"sequence", "channel", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_dispatch_duration_seconds",
			Help:    "Delivery gateway call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"channel"}),
		RecoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_recovered_steps_total",
			Help: "Steps advanced from the event log without resending.",
		}, []string{"sequence"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_enrollment_transitions_total",
			Help: "Enrollment status transitions by target status and cause.",
		}, []string{"to", "cause"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~40s
		}),
		TickDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreach_tick_due",
			Help: "Enrollments found due in the last tick.",
		}),
		EnrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_enrollments_total",
			Help: "Enrollment requests by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.DispatchDuration,
		m.RecoveredTotal,
		m.TransitionsTotal,
		m.TickDuration,
		m.TickDue,
		m.EnrollmentsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDispatch: func(sequenceID string, ch sequence.Channel, outcome Outcome, seconds float64) {
			m.DispatchTotal.WithLabelValues(sequenceID, string(ch), string(outcome)).Inc()
			m.DispatchDuration.WithLabelValues(string(ch)).Observe(seconds)
		},
		OnRecovered: func(sequenceID string) {
			m.RecoveredTotal.WithLabelValues(sequenceID).Inc()
		},
		OnTransition: func(to Status, cause Cause) {
			m.TransitionsTotal.WithLabelValues(string(to), string(cause)).Inc()
		},
		OnTick: func(due int, seconds float64) {
			m.TickDue.Set(float64(due))
			m.TickDuration.Observe(seconds)
		},
		OnEnroll: func(result string) {
			m.EnrollmentsTotal.WithLabelValues(result).Inc()
		},
	}
}
