// ABOUTME: Discovery engine facade over the native mDNS daemon
// ABOUTME: Exposes browse, resolve, address, record and registration operations
package dnssd

import (
	"context"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

// Native is the daemon the engine drives. Callbacks passed to the
// primitives must only ever be invoked on the goroutine running Loop, and
// the primitives themselves are only called from there (through Post).
type Native interface {
	Init() error
	Loop() error
	Exit()
	Post(fn func()) error

	Browse(ifIndex int, regType, domain string, cb mdnsd.Callback) (mdnsd.Ref, error)
	Resolve(ifIndex int, name, regType, domain string, cb mdnsd.Callback) (mdnsd.Ref, error)
	GetAddrInfo(ifIndex int, hostname string, cb mdnsd.Callback) (mdnsd.Ref, error)
	QueryRecord(ifIndex int, fullName string, rrType uint16, cb mdnsd.Callback) (mdnsd.Ref, error)
	Register(svc mdnsd.Service, cb mdnsd.Callback) (mdnsd.Ref, error)
	Cancel(ref mdnsd.Ref)
}

// Config holds engine configuration
type Config struct {
	// Domain to browse and register in. Defaults to local.
	Domain string
	// IfIndex restricts operations to one interface; 0 means all
	IfIndex int
	// IntermediateResults makes browsers emit partially resolved records
	IntermediateResults bool
	// SkipAddressResolve stops browsers after host/port/TXT resolution
	SkipAddressResolve bool
}

// Engine multiplexes independent operations onto one shared daemon loop
type Engine struct {
	config Config
	native Native
	life   *lifecycle
	table  *dispatchTable
}

// NewEngine creates an engine. The daemon is started lazily by the first
// operation and stopped after the last one ends.
func NewEngine(native Native, config Config) *Engine {
	if config.Domain == "" {
		config.Domain = mdnsd.DefaultDomain
	}
	config.Domain = mdnsd.NormalizeDomain(config.Domain)

	return &Engine{
		config: config,
		native: native,
		life:   newLifecycle(native),
		table:  newDispatchTable(),
	}
}

// New creates an engine over the embedded mDNS daemon with its default
// settings
func New(config Config) *Engine {
	return NewEngine(mdnsd.New(mdnsd.Config{}), config)
}

// Running reports whether the daemon loop is currently up
func (e *Engine) Running() bool {
	return e.life.current() == stateRunning
}

func (e *Engine) domain(domain string) string {
	if domain == "" {
		return e.config.Domain
	}
	return mdnsd.NormalizeDomain(domain)
}

// Browse reports instances of regType appearing and disappearing
func (e *Engine) Browse(ctx context.Context, ifIndex int, regType, domain string) *Operation {
	domain = e.domain(domain)
	return e.startOperation(ctx, "browse", browseEvent, func(cb mdnsd.Callback) (mdnsd.Ref, error) {
		return e.native.Browse(ifIndex, regType, domain, cb)
	})
}

// Resolve looks up host, port and TXT data of one instance
func (e *Engine) Resolve(ctx context.Context, ifIndex int, name, regType, domain string) *Operation {
	domain = e.domain(domain)
	return e.startOperation(ctx, "resolve", resolveEvent, func(cb mdnsd.Callback) (mdnsd.Ref, error) {
		return e.native.Resolve(ifIndex, name, regType, domain, cb)
	})
}

// ResolveAddress looks up the addresses of hostname
func (e *Engine) ResolveAddress(ctx context.Context, ifIndex int, hostname string) *Operation {
	return e.startOperation(ctx, "address", addressEvent, func(cb mdnsd.Callback) (mdnsd.Ref, error) {
		return e.native.GetAddrInfo(ifIndex, hostname, cb)
	})
}

// QueryRecord asks for raw records of rrType under fullName
func (e *Engine) QueryRecord(ctx context.Context, ifIndex int, fullName string, rrType uint16) *Operation {
	return e.startOperation(ctx, "query", queryEvent, func(cb mdnsd.Callback) (mdnsd.Ref, error) {
		return e.native.QueryRecord(ifIndex, fullName, rrType, cb)
	})
}

// BrowseServices returns a browser emitting fully resolved records for
// serviceType. An empty type enumerates the service types on the network;
// those records are never resolved.
func (e *Engine) BrowseServices(ctx context.Context, serviceType string) (*ServiceBrowser, error) {
	if serviceType == "" {
		serviceType = mdnsd.ServiceTypeEnumeration
	}
	if err := validServiceType(serviceType); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return newServiceBrowser(ctx, e, mdnsd.NormalizeType(serviceType)), nil
}

// validServiceType accepts "_name._tcp" and "_name._udp", optionally with
// a subtype prefix ("_sub._sub._name._tcp")
func validServiceType(serviceType string) error {
	labels := strings.Split(mdnsd.NormalizeType(serviceType), ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: %q", ErrInvalidServiceType, serviceType)
	}

	proto := labels[len(labels)-1]
	if proto != "_tcp" && proto != "_udp" {
		return fmt.Errorf("%w: %q must end in _tcp or _udp", ErrInvalidServiceType, serviceType)
	}
	for _, label := range labels {
		if len(label) < 2 || len(label) > 63 || !strings.HasPrefix(label, "_") {
			return fmt.Errorf("%w: bad label %q in %q", ErrInvalidServiceType, label, serviceType)
		}
	}
	return nil
}
