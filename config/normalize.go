// config/normalize.go
package config

import (
	"fmt"

	"PressureServer/mprls"
	"PressureServer/ms5803"
)

// DefaultIntervalMs is used when poll.interval_ms is 0.
const DefaultIntervalMs = 5000

// Normalize fills in defaults. It is allowed to mutate configuration.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Poll.IntervalMs == 0 {
		cfg.Poll.IntervalMs = DefaultIntervalMs
	}

	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		s.Address = EffectiveAddress(*s)
		s.Name = EffectiveName(*s)
		if s.Type == TypeMPRLS && s.Transfer == "" {
			s.Transfer = TransferDefault
		}
	}
}

// EffectiveAddress is the configured address, or the device default.
func EffectiveAddress(s SensorConfig) uint16 {
	if s.Address != 0 {
		return s.Address
	}
	switch s.Type {
	case TypeMS5803:
		return uint16(ms5803.I2C77)
	case TypeMPRLS:
		return uint16(mprls.I2C18)
	}
	return 0
}

// EffectiveName is the configured name, or "<type>-0x<address>".
func EffectiveName(s SensorConfig) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s-0x%02x", s.Type, EffectiveAddress(s))
}
