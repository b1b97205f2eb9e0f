// config/validate.go
package config

import (
	"fmt"

	"PressureServer/mprls"
	"PressureServer/ms5803"
)

// Validate checks configuration correctness.
// It does not mutate the configuration.
func Validate(cfg *Config) error {
	if len(cfg.Sensors) == 0 {
		return fmt.Errorf("config: no sensors defined")
	}
	if cfg.Poll.IntervalMs < 0 {
		return fmt.Errorf("config: poll.interval_ms must not be negative")
	}

	// ------------------------------------------------------------
	// PER-SENSOR CHECKS
	// ------------------------------------------------------------

	for i, s := range cfg.Sensors {
		switch s.Type {
		case TypeMS5803:
			if s.Address != 0 && !ms5803.Addr(s.Address).Valid() {
				return fmt.Errorf("sensor #%d (%s): address 0x%02x not supported by ms5803", i, s.Type, s.Address)
			}
			if s.Transfer != "" {
				return fmt.Errorf("sensor #%d (%s): transfer only applies to mprls", i, s.Type)
			}
		case TypeMPRLS:
			if s.Address != 0 && !mprls.Addr(s.Address).Valid() {
				return fmt.Errorf("sensor #%d (%s): address 0x%02x not supported by mprls", i, s.Type, s.Address)
			}
			switch s.Transfer {
			case "", TransferDefault, TransferDatasheet:
			default:
				return fmt.Errorf("sensor #%d (%s): unknown transfer %q", i, s.Type, s.Transfer)
			}
		default:
			return fmt.Errorf("sensor #%d: unknown type %q", i, s.Type)
		}
	}

	// ------------------------------------------------------------
	// BUS SHARING: one device per address, unique names
	// ------------------------------------------------------------

	addrOwner := make(map[uint16]string)
	names := make(map[string]bool)

	for _, s := range cfg.Sensors {
		name := EffectiveName(s)
		if names[name] {
			return fmt.Errorf("sensor name %q used twice", name)
		}
		names[name] = true

		addr := EffectiveAddress(s)
		if prev, exists := addrOwner[addr]; exists {
			return fmt.Errorf("address collision: 0x%02x used by %q and %q", addr, prev, name)
		}
		addrOwner[addr] = name
	}

	return nil
}
