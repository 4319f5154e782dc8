package canstack

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"
)

// AssemblerConfig bounds the fast-packet assembler.
type AssemblerConfig struct {
	MaxInProgress int `yaml:"maxInProgress" env:"CANSTACK_ASSEMBLER_MAX"`
}

// Config drives stack construction. Values come from a YAML file with
// environment variables layered on top.
type Config struct {
	Interface         string          `yaml:"interface" env:"CANSTACK_INTERFACE"`
	DialectPath       string          `yaml:"dialect" env:"CANSTACK_DIALECT"`
	DialectConstraint string          `yaml:"dialectConstraint" env:"CANSTACK_DIALECT_CONSTRAINT"`
	LogLevel          string          `yaml:"logLevel" env:"CANSTACK_LOG_LEVEL"`
	Assembler         AssemblerConfig `yaml:"assembler"`
}

// DefaultConfig returns the baseline every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Interface: "can0",
		LogLevel:  "info",
	}
}

// LoadConfig reads the YAML file at path (skipped when path is empty) and
// then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err = yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse config environment: %w", err)
	}

	return config, nil
}
