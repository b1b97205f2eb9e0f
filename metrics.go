package main

import (
	"errors"

	"PressureServer/mprls"
	"PressureServer/ms5803"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	temperature *prometheus.GaugeVec
	pressure    *prometheus.GaugeVec
	readErrors  *prometheus.CounterVec
	// diagnostics mirrors the driver debug output when --debug is set.
	diagnostics *prometheus.GaugeVec

	humidity prometheus.Gauge
	co2      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensor_temperature_celsius",
			Help: "Last temperature reading.",
		}, []string{"sensor"}),
		pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensor_pressure_hpa",
			Help: "Last pressure reading.",
		}, []string{"sensor"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_read_errors_total",
			Help: "Failed sensor reads by failure kind.",
		}, []string{"sensor", "kind"}),
		diagnostics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensor_debug_value",
			Help: "Raw driver diagnostics (PROM words, ADC counts, status).",
		}, []string{"sensor", "key"}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scd4x_relative_humidity_percent",
			Help: "Relative humidity from the SCD4x.",
		}),
		co2: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scd4x_co2_ppm",
			Help: "CO2 concentration from the SCD4x.",
		}),
	}
	reg.MustRegister(m.temperature, m.pressure, m.readErrors, m.diagnostics, m.humidity, m.co2)
	return m
}

func (m *metrics) observe(r SensorReading) {
	if r.Temperature != nil {
		m.temperature.WithLabelValues(r.Name).Set(*r.Temperature)
	}
	m.pressure.WithLabelValues(r.Name).Set(r.Pressure)
}

func (m *metrics) failed(sensor string, err error) {
	m.readErrors.WithLabelValues(sensor, errorKind(err)).Inc()
}

// errorKind maps driver errors onto a small fixed label set.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ms5803.ErrUncalibrated):
		return "uncalibrated"
	case errors.Is(err, mprls.ErrBusy):
		return "busy"
	case errors.Is(err, mprls.ErrSaturated):
		return "saturated"
	case errors.Is(err, mprls.ErrSensor):
		return "sensor"
	case errors.Is(err, ms5803.ErrBusFailure), errors.Is(err, mprls.ErrBusFailure):
		return "bus"
	default:
		return "other"
	}
}
