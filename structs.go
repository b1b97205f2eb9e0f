package main

import (
	"time"

	"github.com/dustin/go-humanize"
)

// SensorReading is the latest state of one sensor as served over HTTP.
type SensorReading struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`

	// Temperature is nil for sensors that only measure pressure.
	Temperature *float64 `json:"temperature,omitempty"`
	Pressure    float64  `json:"pressure"` // hPa
	// Raw holds the uncompensated counts the values were derived from.
	Raw map[string]int64 `json:"raw,omitempty"`

	Error      string    `json:"error,omitempty"`
	Updated    time.Time `json:"-"`
	UpdatedStr string    `json:"updated"`
	Age        string    `json:"age"`
}

func NewSensorReading(date time.Time) SensorReading {
	return SensorReading{
		Updated:    date,
		UpdatedStr: date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}

// withAge fills Age relative to now. It is computed when served, not when
// stored, so it keeps counting while a sensor is failing.
func (r SensorReading) withAge(now time.Time) SensorReading {
	if r.Updated.IsZero() {
		r.Age = "never"
		return r
	}
	r.Age = humanize.RelTime(r.Updated, now, "ago", "from now")
	return r
}

// CompanionReading holds the SCD4x values, when that sensor is enabled.
type CompanionReading struct {
	Humidity   float64   `json:"humidity"`
	CO2        uint16    `json:"co2"`
	Updated    time.Time `json:"-"`
	UpdatedStr string    `json:"updated"`
}

// Document is the body of GET /.
type Document struct {
	Sensors   []SensorReading   `json:"sensors"`
	Companion *CompanionReading `json:"scd4x,omitempty"`
}
