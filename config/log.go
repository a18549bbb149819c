package config

import (
	"fmt"

	"go.uber.org/zap"
)

// LogConfig selects the zap logger built by Build.
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder, stack traces on warn
	Encoding    string `yaml:"encoding"`    // "json" or "console"; empty keeps the preset
}

func (l LogConfig) validate() error {
	if l.Level != "" {
		if _, err := zap.ParseAtomicLevel(l.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	switch l.Encoding {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("log.encoding: unknown value %q", l.Encoding)
}

// Build constructs the logger.
func (l LogConfig) Build() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if l.Level != "" {
		level, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		cfg.Level = level
	}
	if l.Encoding != "" {
		cfg.Encoding = l.Encoding
	}
	return cfg.Build()
}
