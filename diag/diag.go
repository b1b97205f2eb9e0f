// Package diag carries the optional debug output of the sensor drivers.
//
// Drivers emit labeled numbers (PROM words, raw ADC counts, derived values)
// to a Sink. A nil Sink disables the output.
package diag

import (
	"log"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink accepts labeled numeric values.
type Sink interface {
	WriteValue(key string, v float64)
}

// Emit writes to s unless s is nil.
func Emit(s Sink, key string, v float64) {
	if s != nil {
		s.WriteValue(key, v)
	}
}

// LogSink prints one "key=value" line per value.
type LogSink struct {
	l      *log.Logger
	prefix string
}

// NewLogSink logs through l, or through the standard logger when l is nil.
func NewLogSink(l *log.Logger, prefix string) *LogSink {
	return &LogSink{l: l, prefix: prefix}
}

func (s *LogSink) WriteValue(key string, v float64) {
	line := s.prefix + key + "=" + strconv.FormatFloat(v, 'f', -1, 64)
	if s.l == nil {
		log.Println(line)
		return
	}
	s.l.Println(line)
}

// GaugeSink mirrors every value into a gauge vector labeled by sensor and
// key.
type GaugeSink struct {
	vec    *prometheus.GaugeVec
	sensor string
}

// NewGaugeSink expects vec to have exactly the labels "sensor" and "key".
func NewGaugeSink(vec *prometheus.GaugeVec, sensor string) *GaugeSink {
	return &GaugeSink{vec: vec, sensor: sensor}
}

func (s *GaugeSink) WriteValue(key string, v float64) {
	s.vec.WithLabelValues(s.sensor, key).Set(v)
}

type multi []Sink

func (m multi) WriteValue(key string, v float64) {
	for _, s := range m {
		s.WriteValue(key, v)
	}
}

// Multi fans out to every non-nil sink. It returns nil when none is left.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

// Recorder keeps every value in order. Tests use it to check what a driver
// emitted.
type Recorder struct {
	Keys   []string
	Values []float64
}

func (r *Recorder) WriteValue(key string, v float64) {
	r.Keys = append(r.Keys, key)
	r.Values = append(r.Values, v)
}

// Get returns the last value written under key.
func (r *Recorder) Get(key string) (float64, bool) {
	for i := len(r.Keys) - 1; i >= 0; i-- {
		if r.Keys[i] == key {
			return r.Values[i], true
		}
	}
	return 0, false
}
