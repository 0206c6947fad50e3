package config

import (
	"fmt"
	"slices"
)

// ValidLogLevels lists the accepted logging.level values.
var ValidLogLevels = []string{"debug", "info", "warn", "warning", "error"}

// ValidLogFormats lists the accepted logging.format values.
var ValidLogFormats = []string{"text", "json"}

// LoggingConfig configures the diagnostic logs under .tlsbatch/logs. The
// batch log written next to the pipeline output is not affected.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`
	Format     string          `yaml:"format" json:"format,omitempty"`
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"` // false = no diagnostic log files
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Verbose returns a copy with diagnostics switched on at debug level, as
// --verbose requests. Category toggles are kept.
func (c LoggingConfig) Verbose() LoggingConfig {
	c.DebugMode = true
	c.Level = "debug"
	return c
}

func (c LoggingConfig) validate() error {
	if c.Level != "" && !slices.Contains(ValidLogLevels, c.Level) {
		return fmt.Errorf("invalid logging.level: %s (valid: %v)", c.Level, ValidLogLevels)
	}
	if c.Format != "" && !slices.Contains(ValidLogFormats, c.Format) {
		return fmt.Errorf("invalid logging.format: %s (valid: %v)", c.Format, ValidLogFormats)
	}
	return nil
}
