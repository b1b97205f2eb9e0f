package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PressureServer/config"
	"PressureServer/mprls"
	"PressureServer/ms5803"
	"PressureServer/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"periph.io/x/conn/v3/physic"
)

// fakeBus answers like an MS5803 at 0x76/0x77 and an MPRLS at any other
// address. Setting fail makes every transfer return an error.
type fakeBus struct {
	prom   [8]uint16
	d1, d2 uint32
	raw    uint32
	fail   bool

	last map[uint16]uint8
	conv map[uint16]uint8
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		prom: [8]uint16{0, 34197, 30040, 41947, 20137, 32329, 28398, 0},
		d1:   5173016,
		d2:   8509400,
		raw:  1 << 23,
		last: map[uint16]uint8{},
		conv: map[uint16]uint8{},
	}
}

var errNoAck = errors.New("no ack")

func (b *fakeBus) WriteUint8(addr uint16, v uint8) error {
	if b.fail {
		return errNoAck
	}
	b.last[addr] = v
	if v == 0x47 || v == 0x57 {
		b.conv[addr] = v
	}
	return nil
}

func (b *fakeBus) WriteUint32(addr uint16, v uint32) error {
	if b.fail {
		return errNoAck
	}
	return nil
}

func (b *fakeBus) ReadUint8(addr uint16) (uint8, error) {
	if b.fail {
		return 0, errNoAck
	}
	return uint8(mprls.Powered), nil
}

func (b *fakeBus) ReadUint16(addr uint16) (uint16, error) {
	if b.fail {
		return 0, errNoAck
	}
	return b.prom[(b.last[addr]-0xA0)/2], nil
}

func (b *fakeBus) ReadUint32(addr uint16) (uint32, error) {
	if b.fail {
		return 0, errNoAck
	}
	if addr == 0x76 || addr == 0x77 {
		if b.conv[addr] == 0x47 {
			return b.d1 << 8, nil
		}
		return b.d2 << 8, nil
	}
	return uint32(mprls.Powered)<<24 | b.raw, nil
}

func (b *fakeBus) Delay(time.Duration) {}

var _ transport.Transport = &fakeBus{}

type fakeSensor struct {
	name string
	hpa  float64
	err  error
}

func (s *fakeSensor) Name() string {
	return s.name
}

func (s *fakeSensor) Poll(now time.Time) (SensorReading, error) {
	if s.err != nil {
		return SensorReading{}, s.err
	}
	r := NewSensorReading(now)
	r.Pressure = s.hpa
	return r, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig(ProgramArgs{Interval: 5, MS5803: "0x77", MPRLS: "off", Transfer: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.IntervalMs != 5000 {
		t.Fatalf("interval = %d", cfg.Poll.IntervalMs)
	}
	if len(cfg.Sensors) != 1 || cfg.Sensors[0].Name != "ms5803-0x77" {
		t.Fatalf("sensors = %+v", cfg.Sensors)
	}

	cfg, err = loadConfig(ProgramArgs{Interval: 1, MS5803: "0x76", MPRLS: "0x28", Transfer: "datasheet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := config.SensorConfig{Name: "mprls-0x28", Type: config.TypeMPRLS, Address: 0x28, Transfer: config.TransferDatasheet}
	if len(cfg.Sensors) != 2 || cfg.Sensors[1] != want {
		t.Fatalf("sensors = %+v", cfg.Sensors)
	}

	data := []struct {
		name string
		args ProgramArgs
	}{
		{"nothing enabled", ProgramArgs{MS5803: "off", MPRLS: "off"}},
		{"bad ms5803 address", ProgramArgs{MS5803: "0x18", MPRLS: "off"}},
		{"bad mprls address", ProgramArgs{MS5803: "off", MPRLS: "0x77"}},
	}
	for _, line := range data {
		if _, err := loadConfig(line.args); err == nil {
			t.Errorf("%s: expected error", line.name)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	if err := os.WriteFile(path, []byte("sensors:\n  - name: tank\n    type: mprls\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The file replaces the sensor flags.
	cfg, err := loadConfig(ProgramArgs{Config: path, MS5803: "0x77"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Sensors) != 1 || cfg.Sensors[0].Name != "tank" {
		t.Fatalf("sensors = %+v", cfg.Sensors)
	}
}

func TestBuildSensorsAndPoll(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - type: ms5803\n  - type: mprls\n")
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	sensors, err := buildSensors(cfg, newFakeBus(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(sensors) != 2 {
		t.Fatalf("sensors = %d", len(sensors))
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := newStore(cfg)
	p := &poller{sensors: sensors, store: st, metrics: m, now: fixedClock(now)}
	p.pollOnce()

	r, ok := st.get("ms5803-0x77", now.Add(10*time.Second))
	if !ok {
		t.Fatal("ms5803 missing")
	}
	if r.Temperature == nil || *r.Temperature != 27.89 {
		t.Fatalf("temperature = %v", r.Temperature)
	}
	if r.Pressure != 983.67 {
		t.Fatalf("pressure = %v", r.Pressure)
	}
	if r.Raw["D1"] != 5173016 || r.Raw["D2"] != 8509400 || r.Raw["dT"] != 233176 {
		t.Fatalf("raw = %v", r.Raw)
	}
	if r.Address != "0x77" || r.Type != config.TypeMS5803 {
		t.Fatalf("identity = %+v", r)
	}
	if r.UpdatedStr != "2024-03-01 12:00:00" || r.Age != "10 seconds ago" {
		t.Fatalf("updated = %q, age = %q", r.UpdatedStr, r.Age)
	}

	r, _ = st.get("mprls-0x18", now)
	if want := mprls.DefaultTransfer.HectoPascal(1 << 23); math.Abs(r.Pressure-want) > 1e-9 {
		t.Fatalf("pressure = %v, want %v", r.Pressure, want)
	}
	if r.Temperature != nil {
		t.Fatalf("temperature = %v", *r.Temperature)
	}

	if v := testutil.ToFloat64(m.pressure.WithLabelValues("ms5803-0x77")); v != 983.67 {
		t.Fatalf("pressure gauge = %v", v)
	}
	if v := testutil.ToFloat64(m.temperature.WithLabelValues("ms5803-0x77")); v != 27.89 {
		t.Fatalf("temperature gauge = %v", v)
	}
	// Debug output reaches the diagnostics gauges.
	if v := testutil.ToFloat64(m.diagnostics.WithLabelValues("ms5803-0x77", "1")); v != 34197 {
		t.Fatalf("PROM word 1 = %v", v)
	}
	if v := testutil.ToFloat64(m.diagnostics.WithLabelValues("mprls-0x18", "raw")); v != 1<<23 {
		t.Fatalf("mprls raw = %v", v)
	}
}

func TestBuildSensorsInitFailure(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - type: ms5803\n")
	bus := newFakeBus()
	bus.fail = true
	m := newMetrics(prometheus.NewRegistry())
	// A failed initialization is retried on the first query.
	sensors, err := buildSensors(cfg, bus, m, false)
	if err != nil {
		t.Fatal(err)
	}

	st := newStore(cfg)
	p := &poller{sensors: sensors, store: st, metrics: m, now: time.Now}
	p.pollOnce()
	r, _ := st.get("ms5803-0x77", time.Now())
	if r.Error == "" || r.Age != "never" {
		t.Fatalf("reading = %+v", r)
	}
	if v := testutil.ToFloat64(m.readErrors.WithLabelValues("ms5803-0x77", "uncalibrated")); v != 1 {
		t.Fatalf("uncalibrated errors = %v", v)
	}

	bus.fail = false
	p.pollOnce()
	r, _ = st.get("ms5803-0x77", time.Now())
	if r.Error != "" || r.Pressure != 983.67 {
		t.Fatalf("reading = %+v", r)
	}
}

func TestPollFailureKeepsLastValues(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - name: a\n    type: mprls\n")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &fakeSensor{name: "a", hpa: 1013.25}
	st := newStore(cfg)
	m := newMetrics(prometheus.NewRegistry())
	p := &poller{sensors: []sensor{s}, store: st, metrics: m, now: fixedClock(now)}
	p.pollOnce()

	s.err = fmt.Errorf("mprls: %w", mprls.ErrBusy)
	p.now = fixedClock(now.Add(time.Minute))
	p.pollOnce()

	r, _ := st.get("a", now.Add(time.Minute))
	if r.Pressure != 1013.25 || r.UpdatedStr != "2024-03-01 12:00:00" {
		t.Fatalf("reading = %+v", r)
	}
	if r.Error != "mprls: sensor busy" {
		t.Fatalf("error = %q", r.Error)
	}
	if v := testutil.ToFloat64(m.readErrors.WithLabelValues("a", "busy")); v != 1 {
		t.Fatalf("busy errors = %v", v)
	}

	s.err = nil
	p.pollOnce()
	if r, _ := st.get("a", now); r.Error != "" {
		t.Fatalf("error not cleared: %q", r.Error)
	}
}

// staticEnv is a physic.SenseEnv returning a fixed pressure or error.
type staticEnv struct {
	pressure physic.Pressure
	err      error
}

func (s *staticEnv) String() string { return "static" }
func (s *staticEnv) Halt() error { return nil }
func (s *staticEnv) Precision(e *physic.Env) { e.Pressure = physic.Pascal }

func (s *staticEnv) Sense(e *physic.Env) error {
	if s.err != nil {
		return s.err
	}
	e.Pressure = s.pressure
	return nil
}

func (s *staticEnv) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("not supported")
}

var _ physic.SenseEnv = &staticEnv{}

func TestEnvSensor(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dev := &staticEnv{pressure: 101325 * physic.Pascal}
	s := &envSensor{name: "static", dev: dev}
	r, err := s.Poll(now)
	if err != nil {
		t.Fatal(err)
	}
	if r.Pressure != 1013.25 || r.Temperature != nil || r.UpdatedStr != "2024-03-01 12:00:00" {
		t.Fatalf("reading = %+v", r)
	}

	dev.err = fmt.Errorf("mprls: %w", mprls.ErrSaturated)
	if _, err := s.Poll(now); errorKind(err) != "saturated" {
		t.Fatalf("error = %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	data := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("ms5803: %w: %w", ms5803.ErrUncalibrated, ms5803.ErrBusFailure), "uncalibrated"},
		{fmt.Errorf("ms5803: %w", ms5803.ErrBusFailure), "bus"},
		{fmt.Errorf("mprls: %w", mprls.ErrBusFailure), "bus"},
		{mprls.ErrBusy, "busy"},
		{mprls.ErrSaturated, "saturated"},
		{mprls.ErrSensor, "sensor"},
		{errors.New("boom"), "other"},
	}
	for _, line := range data {
		if got := errorKind(line.err); got != line.want {
			t.Errorf("errorKind(%v) = %q, want %q", line.err, got, line.want)
		}
	}
}

func TestCompanion(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - name: a\n    type: mprls\n")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := newStore(cfg)
	m := newMetrics(prometheus.NewRegistry())
	calls := 0
	p := &poller{
		sensors: []sensor{&fakeSensor{name: "a", hpa: 1000}},
		store:   st,
		metrics: m,
		now:     fixedClock(now),
		companion: func(now time.Time) (CompanionReading, error) {
			calls++
			if calls > 1 {
				return CompanionReading{}, errors.New("crc mismatch")
			}
			return CompanionReading{Humidity: 41.5, CO2: 612, Updated: now}, nil
		},
	}
	p.pollOnce()
	p.pollOnce()

	doc := st.document(now)
	if doc.Companion == nil || doc.Companion.CO2 != 612 {
		t.Fatalf("companion = %+v", doc.Companion)
	}
	if v := testutil.ToFloat64(m.co2); v != 612 {
		t.Fatalf("co2 gauge = %v", v)
	}
	if v := testutil.ToFloat64(m.humidity); v != 41.5 {
		t.Fatalf("humidity gauge = %v", v)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - name: a\n    type: mprls\n")
	st := newStore(cfg)
	p := &poller{
		sensors: []sensor{&fakeSensor{name: "a", hpa: 1000}},
		store:   st,
		metrics: newMetrics(prometheus.NewRegistry()),
		now:     time.Now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		p.run(ctx, time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	// The first poll happens right away.
	if r, _ := st.get("a", time.Now()); r.Pressure != 1000 {
		t.Fatalf("reading = %+v", r)
	}
}

func TestRouter(t *testing.T) {
	cfg := testConfig(t, "sensors:\n  - name: tank\n    type: mprls\n  - type: ms5803\n")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	st := newStore(cfg)
	p := &poller{sensors: []sensor{&fakeSensor{name: "tank", hpa: 1001.5}}, store: st, metrics: m, now: fixedClock(now)}
	p.pollOnce()

	srv := httptest.NewServer(newRouter(st, reg, fixedClock(now.Add(3*time.Second))))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	var doc Document
	err = json.NewDecoder(res.Body).Decode(&doc)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if len(doc.Sensors) != 2 || doc.Sensors[0].Name != "tank" || doc.Sensors[1].Name != "ms5803-0x77" {
		t.Fatalf("sensors = %+v", doc.Sensors)
	}
	if doc.Sensors[0].Pressure != 1001.5 || doc.Sensors[0].Age != "3 seconds ago" {
		t.Fatalf("tank = %+v", doc.Sensors[0])
	}
	if doc.Sensors[1].Age != "never" || doc.Companion != nil {
		t.Fatalf("document = %+v", doc)
	}

	res, err = http.Get(srv.URL + "/sensors/tank")
	if err != nil {
		t.Fatal(err)
	}
	var r SensorReading
	err = json.NewDecoder(res.Body).Decode(&r)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "tank" || r.Address != "0x18" || r.Type != config.TypeMPRLS {
		t.Fatalf("reading = %+v", r)
	}

	res, err = http.Get(srv.URL + "/sensors/missing")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `sensor_pressure_hpa{sensor="tank"} 1001.5`) {
		t.Fatalf("metrics = %s", body)
	}
}
