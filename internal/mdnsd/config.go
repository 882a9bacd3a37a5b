// ABOUTME: Daemon configuration and defaults
// ABOUTME: Timeouts for browse cycles, resolves, probes and cache sizing
package mdnsd

import (
	"errors"
	"time"
)

const (
	// DefaultDomain is the multicast DNS domain
	DefaultDomain = "local."

	// ServiceTypeEnumeration lists every service type on the link
	ServiceTypeEnumeration = "_services._dns-sd._udp"
)

// Config holds daemon configuration
type Config struct {
	// Interface restricts queries and advertisements to one interface name
	Interface string

	// QueryTimeout bounds one multicast query round
	QueryTimeout time.Duration

	// BrowseInterval is the pause between browse query rounds
	BrowseInterval time.Duration

	// LostAfter is how many consecutive rounds a service may be missing
	// before browse reports it lost
	LostAfter int

	// ResolveTimeout bounds resolve and address lookups
	ResolveTimeout time.Duration

	// ProbeTimeout bounds the name conflict probe before registering
	ProbeTimeout time.Duration

	// CacheTTL and CacheSize size the host address and entry caches
	CacheTTL  time.Duration
	CacheSize int

	// QueueSize is the depth of the loop's work queue
	QueueSize int

	DisableIPv6 bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		QueryTimeout:   time.Second,
		BrowseInterval: 2 * time.Second,
		LostAfter:      3,
		ResolveTimeout: 5 * time.Second,
		ProbeTimeout:   750 * time.Millisecond,
		CacheTTL:       120 * time.Second,
		CacheSize:      256,
		QueueSize:      64,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.QueryTimeout <= 0 {
		return errors.New("query timeout must be positive")
	}
	if c.BrowseInterval < 0 {
		return errors.New("browse interval must not be negative")
	}
	if c.LostAfter < 1 {
		return errors.New("lost-after must be at least one round")
	}
	if c.ResolveTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("resolve and probe timeouts must be positive")
	}
	if c.CacheSize <= 0 || c.QueueSize <= 0 {
		return errors.New("cache and queue sizes must be positive")
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueryTimeout == 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.BrowseInterval == 0 {
		c.BrowseInterval = d.BrowseInterval
	}
	if c.LostAfter == 0 {
		c.LostAfter = d.LostAfter
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}
