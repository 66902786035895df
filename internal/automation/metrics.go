package automation

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	firings        *prometheus.CounterVec
	firingDuration *prometheus.HistogramVec
	actionErrors   *prometheus.CounterVec
	guardErrors    *prometheus.CounterVec
	timerEvents    *prometheus.CounterVec
	activeTimers   *prometheus.GaugeVec
	rulesLoaded    prometheus.Gauge
	droppedEvents  prometheus.Counter
}

// NewMetrics creates and registers the engine metrics. Registration errors
// are logged and the affected collector keeps working unregistered; an
// already registered collector of the same name is reused.
func NewMetrics(namespace string, reg prometheus.Registerer, logger Logger) *Metrics {
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Metrics{}

	m.firings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_firings_total",
		Help:      "Rule firings by outcome.",
	}, []string{"rule", "status"})
	m.firingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rule_firing_duration_seconds",
		Help:      "Time from trigger to the end of a rule's run queue, delays included.",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60, 300, 3600},
	}, []string{"rule"})
	m.actionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_action_errors_total",
		Help:      "Failed rule tasks.",
	}, []string{"rule"})
	m.guardErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_guard_errors_total",
		Help:      "Guard predicates that failed during evaluation.",
	}, []string{"rule"})
	m.timerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timer_events_total",
		Help:      "Timer lifecycle events by rule set.",
	}, []string{"scope", "event"})
	m.activeTimers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "timers_active",
		Help:      "Scheduled timers by rule set.",
	}, []string{"scope"})
	m.rulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_loaded",
		Help:      "Number of loaded rules.",
	})
	m.droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_events_total",
		Help:      "Platform payloads that could not be decoded.",
	})

	m.firings = register(reg, logger, m.firings)
	m.firingDuration = register(reg, logger, m.firingDuration)
	m.actionErrors = register(reg, logger, m.actionErrors)
	m.guardErrors = register(reg, logger, m.guardErrors)
	m.timerEvents = register(reg, logger, m.timerEvents)
	m.activeTimers = register(reg, logger, m.activeTimers)
	m.rulesLoaded = register(reg, logger, m.rulesLoaded)
	m.droppedEvents = register(reg, logger, m.droppedEvents)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, logger Logger, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.Warn("metric registration failed", "error", err)
	}
	return c
}

// RecordFiring counts a finished firing.
func (m *Metrics) RecordFiring(rule string, status FiringStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(rule, string(status)).Inc()
	m.firingDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// ActionFailed counts a failed task.
func (m *Metrics) ActionFailed(rule string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actionErrors.WithLabelValues(rule).Add(float64(n))
}

// GuardFailed counts a guard evaluation error.
func (m *Metrics) GuardFailed(rule string) {
	if m == nil {
		return
	}
	m.guardErrors.WithLabelValues(rule).Inc()
}

// TimerEvent counts a timer lifecycle event and updates the active gauge.
func (m *Metrics) TimerEvent(scope, event string, active int) {
	if m == nil {
		return
	}
	m.timerEvents.WithLabelValues(scope, event).Inc()
	m.activeTimers.WithLabelValues(scope).Set(float64(active))
}

// ForgetScope drops the active gauge of an unloaded rule set.
func (m *Metrics) ForgetScope(scope string) {
	if m == nil {
		return
	}
	m.activeTimers.DeleteLabelValues(scope)
}

// SetRulesLoaded sets the loaded rule gauge.
func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.rulesLoaded.Set(float64(n))
}

// DroppedEvent counts an undecodable payload.
func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
