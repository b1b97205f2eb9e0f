package ms5803

import (
	"math/big"

	"PressureServer/diag"
	"periph.io/x/conn/v3/physic"
)

// Coefficients holds the 8 PROM words of the sensor.
//
// Word 0 is factory data and word 7 carries the CRC; only C1 through C6 take
// part in the compensation.
type Coefficients [8]uint16

// Reading is one compensated measurement.
//
// It is computed once from the two raw ADC counts and the calibration, and
// does not refer back to the device.
type Reading struct {
	// D1 is the raw pressure count.
	D1 uint32
	// D2 is the raw temperature count.
	D2 uint32
	// DT is the difference between actual and reference temperature.
	DT int64
	// Off and Sens are the temperature compensated pressure offset and
	// sensitivity. They are exact: both are multiples of 1/128 well inside
	// float64 precision.
	Off  float64
	Sens float64
	// Temperature in 0.01 °C. 2789 is 27.89 °C.
	Temperature int64
	// Pressure in Pa, i.e. 0.01 mbar.
	Pressure int64
}

// NewReading compensates the raw counts d1 (pressure) and d2 (temperature).
//
// Only the final temperature and pressure are truncated, toward zero, exactly
// where the datasheet formula truncates. All intermediate values are kept
// exact by scaling them to integers:
//
//	off32   = 32 * OFF  = C2*2^23 + C4*dT
//	sens128 = 128 * SENS = C1*2^24 + C3*dT
//
// D1*sens128 needs up to 65 bits so the pressure quotient is computed with
// big.Int.
func NewReading(d1, d2 uint32, c Coefficients) Reading {
	dT := int64(d2) - int64(c[5])*256
	off32 := int64(c[2])<<23 + int64(c[4])*dT
	sens128 := int64(c[1])<<24 + int64(c[3])*dT

	// Go integer division truncates toward zero.
	temp := (2000<<23 + dT*int64(c[6])) / (1 << 23)

	// P = (D1*SENS/2^21 - OFF) / 2^15 = (D1*sens128 - off32*2^23) / 2^43
	n := new(big.Int).Mul(big.NewInt(int64(d1)), big.NewInt(sens128))
	n.Sub(n, new(big.Int).Lsh(big.NewInt(off32), 23))
	n.Quo(n, new(big.Int).Lsh(big.NewInt(1), 43))

	return Reading{
		D1:          d1,
		D2:          d2,
		DT:          dT,
		Off:         float64(off32) / 32,
		Sens:        float64(sens128) / 128,
		Temperature: temp,
		Pressure:    n.Int64(),
	}
}

// Celsius returns the temperature in °C.
func (r Reading) Celsius() float64 {
	return float64(r.Temperature) / 100
}

// HectoPascal returns the pressure in hPa (mbar).
func (r Reading) HectoPascal() float64 {
	return float64(r.Pressure) / 100
}

// Env converts the reading to periph units. Humidity is left at zero.
func (r Reading) Env() physic.Env {
	return physic.Env{
		Temperature: physic.ZeroCelsius + physic.Temperature(r.Temperature)*10*physic.MilliKelvin,
		Pressure:    physic.Pressure(r.Pressure) * physic.Pascal,
	}
}

// Dump writes the raw counts and the derived values to s.
func (r Reading) Dump(s diag.Sink) {
	if s == nil {
		return
	}
	s.WriteValue("D1", float64(r.D1))
	s.WriteValue("D2", float64(r.D2))
	s.WriteValue("dT", float64(r.DT))
	s.WriteValue("temperature", float64(r.Temperature))
	s.WriteValue("pressure", float64(r.Pressure))
}
