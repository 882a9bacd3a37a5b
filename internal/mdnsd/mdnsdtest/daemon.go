// ABOUTME: Scripted stand-in for the mDNS daemon used in tests
// ABOUTME: Records every primitive call and lets tests push replies onto the loop
package mdnsdtest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

// Op is one recorded primitive call
type Op struct {
	Ref     mdnsd.Ref
	Kind    string // browse, resolve, addrinfo, query, register
	IfIndex int
	Name    string
	RegType string
	Domain  string
	Host    string
	RRType  uint16
	Service mdnsd.Service

	cb        mdnsd.Callback
	cancelled atomic.Bool
}

// Cancelled reports whether the engine cancelled this operation
func (o *Op) Cancelled() bool {
	return o.cancelled.Load()
}

// Daemon implements the same surface as mdnsd.Daemon without any network
// traffic. Unlike the real daemon, Emit delivers replies even for cancelled
// operations so tests can exercise races with cancellation.
type Daemon struct {
	mu       sync.Mutex
	initErr  error
	loopErr  error
	failNext map[string]mdnsd.ErrorCode
	queue    chan func()
	exit     chan struct{}
	exitOnce *sync.Once
	ops      []*Op
	byRef    map[mdnsd.Ref]*Op

	inits atomic.Int32
	alive atomic.Int32
	peak  atomic.Int32
}

// New creates a scripted daemon
func New() *Daemon {
	return &Daemon{
		failNext: make(map[string]mdnsd.ErrorCode),
		byRef:    make(map[mdnsd.Ref]*Op),
	}
}

// SetInitError makes subsequent Init calls fail with err (nil to succeed)
func (d *Daemon) SetInitError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initErr = err
}

// FailNext makes the next primitive of kind fail immediately with code
func (d *Daemon) FailNext(kind string, code mdnsd.ErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[kind] = code
}

// Crash makes the running loop return err on its own
func (d *Daemon) Crash(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loopErr = err
	if d.exitOnce != nil {
		d.exitOnce.Do(func() { close(d.exit) })
	}
}

// Init implements the daemon init primitive
func (d *Daemon) Init() error {
	d.inits.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initErr != nil {
		return d.initErr
	}

	d.queue = make(chan func(), 64)
	d.exit = make(chan struct{})
	d.exitOnce = &sync.Once{}
	d.loopErr = nil

	n := d.alive.Add(1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Loop runs posted work until Exit or Crash
func (d *Daemon) Loop() error {
	d.mu.Lock()
	queue, exit := d.queue, d.exit
	d.mu.Unlock()

	if queue == nil {
		return mdnsd.ErrServiceNotRunning
	}
	defer d.alive.Add(-1)

	for {
		select {
		case <-exit:
			d.mu.Lock()
			err := d.loopErr
			d.mu.Unlock()
			return err
		case fn := <-queue:
			fn()
		}
	}
}

// Exit requests the loop to return
func (d *Daemon) Exit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exitOnce != nil {
		d.exitOnce.Do(func() { close(d.exit) })
	}
}

// Post queues fn onto the loop
func (d *Daemon) Post(fn func()) error {
	d.mu.Lock()
	queue, exit := d.queue, d.exit
	d.mu.Unlock()

	if queue == nil {
		return mdnsd.ErrServiceNotRunning
	}

	select {
	case <-exit:
		return mdnsd.ErrServiceNotRunning
	default:
	}

	select {
	case queue <- fn:
		return nil
	case <-exit:
		return mdnsd.ErrServiceNotRunning
	}
}

// Browse records a browse call
func (d *Daemon) Browse(ifIndex int, regType, domain string, cb mdnsd.Callback) (mdnsd.Ref, error) {
	return d.record(&Op{Kind: "browse", IfIndex: ifIndex, RegType: mdnsd.NormalizeType(regType), Domain: mdnsd.NormalizeDomain(domain), cb: cb})
}

// Resolve records a resolve call
func (d *Daemon) Resolve(ifIndex int, name, regType, domain string, cb mdnsd.Callback) (mdnsd.Ref, error) {
	return d.record(&Op{Kind: "resolve", IfIndex: ifIndex, Name: name, RegType: mdnsd.NormalizeType(regType), Domain: mdnsd.NormalizeDomain(domain), cb: cb})
}

// GetAddrInfo records an address lookup
func (d *Daemon) GetAddrInfo(ifIndex int, hostname string, cb mdnsd.Callback) (mdnsd.Ref, error) {
	return d.record(&Op{Kind: "addrinfo", IfIndex: ifIndex, Host: hostname, cb: cb})
}

// QueryRecord records a record query
func (d *Daemon) QueryRecord(ifIndex int, fullName string, rrType uint16, cb mdnsd.Callback) (mdnsd.Ref, error) {
	return d.record(&Op{Kind: "query", IfIndex: ifIndex, Host: fullName, RRType: rrType, cb: cb})
}

// Register records a registration
func (d *Daemon) Register(svc mdnsd.Service, cb mdnsd.Callback) (mdnsd.Ref, error) {
	return d.record(&Op{Kind: "register", IfIndex: svc.IfIndex, Name: svc.Name, RegType: mdnsd.NormalizeType(svc.RegType), Domain: mdnsd.NormalizeDomain(svc.Domain), Service: svc, cb: cb})
}

// Cancel marks an operation cancelled
func (d *Daemon) Cancel(ref mdnsd.Ref) {
	d.mu.Lock()
	op := d.byRef[ref]
	d.mu.Unlock()

	if op != nil {
		op.cancelled.Store(true)
	}
}

func (d *Daemon) record(op *Op) (mdnsd.Ref, error) {
	if op.cb == nil {
		return mdnsd.Ref{}, mdnsd.ErrBadParam
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if code, ok := d.failNext[op.Kind]; ok {
		delete(d.failNext, op.Kind)
		return mdnsd.Ref{}, code
	}

	op.Ref = newRef(len(d.ops) + 1)
	d.ops = append(d.ops, op)
	d.byRef[op.Ref] = op
	return op.Ref, nil
}

// Emit posts reply for ref onto the loop
func (d *Daemon) Emit(ref mdnsd.Ref, reply mdnsd.Reply) error {
	d.mu.Lock()
	op := d.byRef[ref]
	d.mu.Unlock()

	if op == nil {
		return fmt.Errorf("mdnsdtest: unknown ref %s", ref)
	}
	return d.Post(func() { op.cb(ref, reply) })
}

// Sync waits until everything posted so far has run on the loop
func (d *Daemon) Sync() error {
	done := make(chan struct{})
	if err := d.Post(func() { close(done) }); err != nil {
		return err
	}
	<-done
	return nil
}

// Ops returns the recorded operations of kind, oldest first
func (d *Daemon) Ops(kind string) []*Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Op
	for _, op := range d.ops {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// WaitOp waits for the nth (1-based) operation of kind
func (d *Daemon) WaitOp(kind string, n int, timeout time.Duration) (*Op, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ops := d.Ops(kind); len(ops) >= n {
			return ops[n-1], nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("mdnsdtest: timed out waiting for " + kind)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Alive is the number of loops between a successful Init and Loop returning
func (d *Daemon) Alive() int {
	return int(d.alive.Load())
}

// Peak is the highest Alive value observed
func (d *Daemon) Peak() int {
	return int(d.peak.Load())
}

// Inits counts Init calls, failed ones included
func (d *Daemon) Inits() int {
	return int(d.inits.Load())
}

// newRef builds a recognisable ref from a sequence number
func newRef(seq int) mdnsd.Ref {
	var ref mdnsd.Ref
	ref[0] = 0xfa
	for i := 0; i < 8; i++ {
		ref[15-i] = byte(seq >> (8 * i))
	}
	return ref
}
