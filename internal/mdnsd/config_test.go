// ABOUTME: Tests for daemon configuration
// ABOUTME: Checks defaults and validation
package mdnsd

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{QueryTimeout: 3 * time.Second}.withDefaults()

	if c.QueryTimeout != 3*time.Second {
		t.Errorf("explicit QueryTimeout overwritten: %v", c.QueryTimeout)
	}
	if c.LostAfter != DefaultConfig().LostAfter {
		t.Errorf("expected default LostAfter, got %d", c.LostAfter)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }},
		{"negative interval", func(c *Config) { c.BrowseInterval = -time.Second }},
		{"zero lost-after", func(c *Config) { c.LostAfter = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
