// Package metrics defines the controller's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics, so components built
// without metrics need no special casing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "zonectl_"

// Metrics bundles controller metrics.
type Metrics struct {
	PassesTotal       *prometheus.CounterVec
	PassDuration      *prometheus.HistogramVec
	SensorErrors      *prometheus.CounterVec
	ActuatorWrites    *prometheus.CounterVec
	SyncRefreshes     *prometheus.CounterVec
	SyncEvents        *prometheus.CounterVec
	TelemetryDropped  prometheus.Counter
	TelemetrySent     prometheus.Counter
	ZoneVersion       *prometheus.GaugeVec
	ZoneConsistent    *prometheus.GaugeVec
	OrphanedActuators prometheus.Gauge
}

// New constructs metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "passes_total",
			Help: "Control passes by zone and mode",
		}, []string{"zone", "mode"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "pass_duration_seconds",
			Help:    "Control pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"zone"}),
		SensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sensor_read_errors_total",
			Help: "Failed sensor reads by zone and device",
		}, []string{"zone", "device"}),
		ActuatorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "actuator_writes_total",
			Help: "Actuator writes by zone, value and result",
		}, []string{"zone", "value", "result"}),
		SyncRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sync_refreshes_total",
			Help: "Full refreshes by zone and result",
		}, []string{"zone", "result"}),
		SyncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sync_events_total",
			Help: "Incremental events by operation and result",
		}, []string{"operation", "result"}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "telemetry_dropped_total",
			Help: "Telemetry messages dropped because the queue was full",
		}),
		TelemetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "telemetry_sent_total",
			Help: "Telemetry messages handed to the broker client",
		}),
		ZoneVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "zone_config_version",
			Help: "Configuration version of each zone",
		}, []string{"zone"}),
		ZoneConsistent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "zone_consistent",
			Help: "1 if the zone's last refresh succeeded",
		}, []string{"zone"}),
		OrphanedActuators: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "orphaned_actuators",
			Help: "Output lines held open that no device declares",
		}),
	}
	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.SensorErrors,
		m.ActuatorWrites,
		m.SyncRefreshes,
		m.SyncEvents,
		m.TelemetryDropped,
		m.TelemetrySent,
		m.ZoneVersion,
		m.ZoneConsistent,
		m.OrphanedActuators,
	)
	return m
}

// Pass records one completed control pass.
func (m *Metrics) Pass(zone, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(zone, mode).Inc()
	m.PassDuration.WithLabelValues(zone).Observe(d.Seconds())
}

// SensorError records one failed read.
func (m *Metrics) SensorError(zone, device string) {
	if m == nil {
		return
	}
	m.SensorErrors.WithLabelValues(zone, device).Inc()
}

// ActuatorWrite records one actuation of a device.
func (m *Metrics) ActuatorWrite(zone string, on bool, err error) {
	if m == nil {
		return
	}
	value := "off"
	if on {
		value = "on"
	}
	m.ActuatorWrites.WithLabelValues(zone, value, result(err)).Inc()
}

// Refresh records a full refresh attempt.
func (m *Metrics) Refresh(zone string, version uint64, err error) {
	if m == nil {
		return
	}
	m.SyncRefreshes.WithLabelValues(zone, result(err)).Inc()
	if err != nil {
		m.ZoneConsistent.WithLabelValues(zone).Set(0)
		return
	}
	m.ZoneConsistent.WithLabelValues(zone).Set(1)
	m.ZoneVersion.WithLabelValues(zone).Set(float64(version))
}

// Event records an incremental event.
func (m *Metrics) Event(op string, err error) {
	if m == nil {
		return
	}
	m.SyncEvents.WithLabelValues(op, result(err)).Inc()
}

// Version records a zone's configuration version.
func (m *Metrics) Version(zone string, version uint64) {
	if m == nil {
		return
	}
	m.ZoneVersion.WithLabelValues(zone).Set(float64(version))
}

// TelemetryDrop records a dropped telemetry message.
func (m *Metrics) TelemetryDrop() {
	if m == nil {
		return
	}
	m.TelemetryDropped.Inc()
}

// TelemetrySend records a telemetry message handed to the broker client.
func (m *Metrics) TelemetrySend() {
	if m == nil {
		return
	}
	m.TelemetrySent.Inc()
}

// Orphans records the number of orphaned output lines.
func (m *Metrics) Orphans(n int) {
	if m == nil {
		return
	}
	m.OrphanedActuators.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
