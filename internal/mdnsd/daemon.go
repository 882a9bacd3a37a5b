// ABOUTME: Multicast DNS daemon with a single event loop
// ABOUTME: Primitives run network work on goroutines and report back through the loop
package mdnsd

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/mdns"
)

// Daemon is an embedded mDNS responder/querier. Init prepares it, Loop runs
// the event loop until Exit is requested. Callbacks only ever run on the
// goroutine executing Loop.
type Daemon struct {
	config Config

	mu       sync.Mutex
	iface    *net.Interface
	queue    chan func()
	exit     chan struct{}
	exitOnce *sync.Once
	ops      map[Ref]*operation

	// hosts maps a lower-case FQDN to its last seen addresses
	hosts *expirable.LRU[string, []net.IP]
	// entries maps a lower-case service instance FQDN to its last answer
	entries *expirable.LRU[string, *mdns.ServiceEntry]
}

type operation struct {
	ref    Ref
	kind   string
	cb     Callback
	ctx    context.Context
	cancel context.CancelFunc
	iface  *net.Interface
	server *mdns.Server
}

// New creates a daemon. Zero config fields take their defaults.
func New(config Config) *Daemon {
	config = config.withDefaults()

	return &Daemon{
		config:  config,
		hosts:   expirable.NewLRU[string, []net.IP](config.CacheSize, nil, config.CacheTTL),
		entries: expirable.NewLRU[string, *mdns.ServiceEntry](config.CacheSize, nil, config.CacheTTL),
	}
}

// Init prepares a fresh loop. It may be called again after Loop returned.
func (d *Daemon) Init() error {
	if err := d.config.Validate(); err != nil {
		log.Printf("mDNS daemon config rejected: %v", err)
		return ErrBadParam
	}

	var iface *net.Interface
	if d.config.Interface != "" {
		var err error
		iface, err = net.InterfaceByName(d.config.Interface)
		if err != nil {
			log.Printf("mDNS daemon interface %q unavailable: %v", d.config.Interface, err)
			return ErrBadInterfaceIndex
		}
	}

	d.mu.Lock()
	d.iface = iface
	d.queue = make(chan func(), d.config.QueueSize)
	d.exit = make(chan struct{})
	d.exitOnce = &sync.Once{}
	d.ops = make(map[Ref]*operation)
	d.mu.Unlock()

	log.Printf("mDNS daemon initialised (interface: %s)", interfaceName(iface))
	return nil
}

// Loop runs queued work until Exit is called. All callbacks run here.
func (d *Daemon) Loop() error {
	d.mu.Lock()
	queue, exit := d.queue, d.exit
	d.mu.Unlock()

	if queue == nil {
		return ErrServiceNotRunning
	}

	for {
		select {
		case <-exit:
			d.cancelAll()
			log.Printf("mDNS daemon loop exited")
			return nil
		case fn := <-queue:
			fn()
		}
	}
}

// Exit asks Loop to return. It never blocks and is safe to repeat.
func (d *Daemon) Exit() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.exitOnce != nil {
		d.exitOnce.Do(func() { close(d.exit) })
	}
}

// Post queues fn to run on the loop goroutine
func (d *Daemon) Post(fn func()) error {
	return d.post(context.Background(), fn)
}

func (d *Daemon) post(ctx context.Context, fn func()) error {
	d.mu.Lock()
	queue, exit := d.queue, d.exit
	d.mu.Unlock()

	if queue == nil {
		return ErrServiceNotRunning
	}

	select {
	case <-exit:
		return ErrServiceNotRunning
	default:
	}

	select {
	case queue <- fn:
		return nil
	case <-exit:
		return ErrServiceNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops an operation. Replies already queued for it are dropped.
func (d *Daemon) Cancel(ref Ref) {
	d.mu.Lock()
	op, ok := d.ops[ref]
	delete(d.ops, ref)
	d.mu.Unlock()

	if ok {
		d.stop(op)
	}
}

func (d *Daemon) stop(op *operation) {
	op.cancel()

	d.mu.Lock()
	server := op.server
	op.server = nil
	d.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(); err != nil {
			log.Printf("mDNS responder shutdown error: %v", err)
		}
	}
}

func (d *Daemon) cancelAll() {
	d.mu.Lock()
	ops := d.ops
	d.ops = nil
	d.mu.Unlock()

	for _, op := range ops {
		d.stop(op)
	}
}

// start records a new operation bound to the interface for ifIndex
func (d *Daemon) start(kind string, ifIndex int, cb Callback) (*operation, error) {
	if cb == nil {
		return nil, ErrBadParam
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ops == nil {
		return nil, ErrServiceNotRunning
	}

	iface := d.iface
	if ifIndex > 0 && (iface == nil || iface.Index != ifIndex) {
		var err error
		iface, err = net.InterfaceByIndex(ifIndex)
		if err != nil {
			return nil, ErrBadInterfaceIndex
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{
		ref:    newRef(),
		kind:   kind,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		iface:  iface,
	}
	d.ops[op.ref] = op

	return op, nil
}

func (d *Daemon) live(ref Ref) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ops[ref]
	return ok
}

// attach hands a running responder to op, refusing if op was cancelled
func (d *Daemon) attach(op *operation, server *mdns.Server) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ops[op.ref]; !ok {
		return false
	}
	op.server = server
	return true
}

// deliver hops a reply onto the loop. Replies for cancelled operations are
// dropped there, not here, so ordering per operation is preserved.
func (d *Daemon) deliver(op *operation, reply Reply) {
	if reply.IfIndex == 0 && op.iface != nil {
		reply.IfIndex = op.iface.Index
	}

	err := d.post(op.ctx, func() {
		if d.live(op.ref) {
			op.cb(op.ref, reply)
		}
	})
	if err != nil && op.ctx.Err() == nil {
		log.Printf("Dropping %s reply for %s: %v", op.kind, op.ref, err)
	}
}

// fail reports a terminal error for op
func (d *Daemon) fail(op *operation, code ErrorCode, reply Reply) {
	reply.Err = code
	reply.Flags = 0
	d.deliver(op, reply)
}

func interfaceName(iface *net.Interface) string {
	if iface == nil {
		return "all"
	}
	return fmt.Sprintf("%s#%d", iface.Name, iface.Index)
}
