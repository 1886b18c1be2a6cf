package ban

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *registryMetrics
)

type registryMetrics struct {
	checks     *prometheus.CounterVec
	applied    *prometheus.CounterVec
	bypasses   prometheus.Counter
	activeBans prometheus.Gauge
	knownBad   prometheus.Gauge

	meter          metric.Meter
	checkCounter   metric.Int64Counter
	bypassCounter  metric.Int64Counter
	appliedCounter metric.Int64Counter
}

func newRegistryMetrics() *registryMetrics {
	metricsInitOnce.Do(func() {
		rm := &registryMetrics{
			checks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "banwarden_checks_total",
				Help: "Ban check outcomes by tier.",
			}, []string{"tier"}),
			applied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "banwarden_bans_applied_total",
				Help: "Bans applied, by severity bucket.",
			}, []string{"severity"}),
			bypasses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "banwarden_bypass_attempts_total",
				Help: "Detected ban bypass attempts.",
			}),
			activeBans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "banwarden_active_bans",
				Help: "Currently active (unexpired) ban records.",
			}),
			knownBad: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "banwarden_known_bad_devices",
				Help: "Devices flagged as known bad.",
			}),
		}
		prometheus.MustRegister(rm.checks, rm.applied, rm.bypasses, rm.activeBans, rm.knownBad)
		rm.initMeter()
		sharedMetrics = rm
	})
	return sharedMetrics
}

func (m *registryMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("banwarden/ban")
	checkCounter, err := meter.Int64Counter("banwarden.checks")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("banwarden/ban")
		checkCounter, _ = meter.Int64Counter("banwarden.checks")
	}
	bypassCounter, err := meter.Int64Counter("banwarden.bypass_attempts")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("banwarden/ban")
		bypassCounter, _ = meter.Int64Counter("banwarden.bypass_attempts")
	}
	appliedCounter, err := meter.Int64Counter("banwarden.bans_applied")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("banwarden/ban")
		appliedCounter, _ = meter.Int64Counter("banwarden.bans_applied")
	}
	m.meter = meter
	m.checkCounter = checkCounter
	m.bypassCounter = bypassCounter
	m.appliedCounter = appliedCounter
}

func (m *registryMetrics) recordCheck(tier Type, bypass bool) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(string(tier)).Inc()
	if bypass {
		m.bypasses.Inc()
	}
	if m.checkCounter != nil {
		m.checkCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("tier", string(tier))))
	}
	if bypass && m.bypassCounter != nil {
		m.bypassCounter.Add(context.Background(), 1)
	}
}

func (m *registryMetrics) recordApplied(severity string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(severity).Inc()
	if m.appliedCounter != nil {
		m.appliedCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("severity", severity)))
	}
}

func (m *registryMetrics) observeCounts(active, knownBad int) {
	if m == nil {
		return
	}
	m.activeBans.Set(float64(active))
	m.knownBad.Set(float64(knownBad))
}
