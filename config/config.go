// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Sensors []SensorConfig `yaml:"sensors"`
	Poll    PollConfig     `yaml:"poll"`
}

// ---- SENSOR ----

const (
	TypeMS5803 = "ms5803"
	TypeMPRLS  = "mprls"
)

const (
	TransferDefault   = "default"
	TransferDatasheet = "datasheet"
)

type SensorConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Address uint16 `yaml:"address"`

	// MPRLS only: "default" or "datasheet"
	Transfer string `yaml:"transfer"`
}

// ---- POLL ----

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// Load reads the YAML file at path. See Parse.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, then validates and normalizes it.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}
