package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"PressureServer/config"
	"PressureServer/diag"
	"PressureServer/mprls"
	"PressureServer/ms5803"
	"PressureServer/transport"
	"periph.io/x/conn/v3/physic"
)

// sensor is one polled device.
type sensor interface {
	Name() string
	Poll(now time.Time) (SensorReading, error)
}

type ms5803Sensor struct {
	name string
	dev  *ms5803.Dev
}

func (s *ms5803Sensor) Name() string {
	return s.name
}

func (s *ms5803Sensor) Poll(now time.Time) (SensorReading, error) {
	r, err := s.dev.Query()
	if err != nil {
		return SensorReading{}, err
	}
	reading := NewSensorReading(now)
	temp := r.Celsius()
	reading.Temperature = &temp
	reading.Pressure = r.HectoPascal()
	reading.Raw = map[string]int64{"D1": int64(r.D1), "D2": int64(r.D2), "dT": r.DT}
	return reading, nil
}

// envSensor polls any periph environmental sensor. Only pressure is served.
type envSensor struct {
	name string
	dev  physic.SenseEnv
}

func (s *envSensor) Name() string {
	return s.name
}

func (s *envSensor) Poll(now time.Time) (SensorReading, error) {
	var e physic.Env
	if err := s.dev.Sense(&e); err != nil {
		return SensorReading{}, err
	}
	reading := NewSensorReading(now)
	reading.Pressure = float64(e.Pressure) / float64(mprls.HectoPascal)
	return reading, nil
}

// buildSensors creates a driver for every configured sensor. MS5803 devices
// are initialized right away; a failure there is logged and left to the lazy
// initialization of the first query.
func buildSensors(cfg *config.Config, t transport.Transport, m *metrics, debug bool) ([]sensor, error) {
	var out []sensor
	for _, sc := range cfg.Sensors {
		var sink diag.Sink
		if debug {
			sink = diag.Multi(
				diag.NewLogSink(nil, sc.Name+": "),
				diag.NewGaugeSink(m.diagnostics, sc.Name),
			)
		}

		switch sc.Type {
		case config.TypeMS5803:
			dev, err := ms5803.New(t, ms5803.Addr(sc.Address), &ms5803.Opts{Sink: sink})
			if err != nil {
				return nil, err
			}
			if err := dev.Init(); err != nil {
				log.Printf("%s: init failed, will retry on first query: %v", sc.Name, err)
			}
			out = append(out, &ms5803Sensor{name: sc.Name, dev: dev})
		case config.TypeMPRLS:
			tr := mprls.DefaultTransfer
			if sc.Transfer == config.TransferDatasheet {
				tr = mprls.DatasheetTransfer
			}
			dev, err := mprls.New(t, mprls.Addr(sc.Address), &mprls.Opts{Transfer: tr, Sink: sink})
			if err != nil {
				return nil, err
			}
			out = append(out, &envSensor{name: sc.Name, dev: dev})
		default:
			return nil, fmt.Errorf("sensor %q: unknown type %q", sc.Name, sc.Type)
		}
	}
	return out, nil
}

// store keeps the latest reading of every sensor.
type store struct {
	mu        sync.RWMutex
	order     []string
	readings  map[string]SensorReading
	companion *CompanionReading
}

func newStore(cfg *config.Config) *store {
	s := &store{readings: make(map[string]SensorReading)}
	for _, sc := range cfg.Sensors {
		s.order = append(s.order, sc.Name)
		s.readings[sc.Name] = SensorReading{
			Name:    sc.Name,
			Type:    sc.Type,
			Address: fmt.Sprintf("0x%02x", sc.Address),
		}
	}
	return s
}

// update replaces the values of a sensor, keeping its identity fields.
func (s *store) update(name string, r SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.readings[name]
	r.Name, r.Type, r.Address = prev.Name, prev.Type, prev.Address
	s.readings[name] = r
}

// fail records err on a sensor and keeps its last good values.
func (s *store) fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.readings[name]
	r.Error = err.Error()
	s.readings[name] = r
}

func (s *store) setCompanion(c CompanionReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companion = &c
}

func (s *store) get(name string, now time.Time) (SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[name]
	return r.withAge(now), ok
}

func (s *store) document(now time.Time) Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := Document{Sensors: make([]SensorReading, 0, len(s.order))}
	for _, name := range s.order {
		doc.Sensors = append(doc.Sensors, s.readings[name].withAge(now))
	}
	if s.companion != nil {
		c := *s.companion
		doc.Companion = &c
	}
	return doc
}

// poller queries every sensor in turn. The bus has a single owner so sensors
// are never read concurrently.
type poller struct {
	sensors   []sensor
	store     *store
	metrics   *metrics
	companion func(now time.Time) (CompanionReading, error)
	now       func() time.Time
}

func (p *poller) pollOnce() {
	for _, s := range p.sensors {
		r, err := s.Poll(p.now())
		if err != nil {
			log.Printf("%s: read failed: %v", s.Name(), err)
			p.store.fail(s.Name(), err)
			p.metrics.failed(s.Name(), err)
			continue
		}
		p.store.update(s.Name(), r)
		r.Name = s.Name()
		p.metrics.observe(r)
	}
	if p.companion != nil {
		c, err := p.companion(p.now())
		if err != nil {
			log.Printf("error while reading SCD4x data: %v", err)
			return
		}
		p.store.setCompanion(c)
		p.metrics.humidity.Set(c.Humidity)
		p.metrics.co2.Set(float64(c.CO2))
	}
}

// run polls once right away, then on every tick until ctx is done.
func (p *poller) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		log.Println("New readings")
		p.pollOnce()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
