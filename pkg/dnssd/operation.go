// ABOUTME: Turns callback-driven native replies into a cancellable event stream
// ABOUTME: Replies queue without bound on the loop and are pumped to a channel in order
package dnssd

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/miekg/dns"
)

// EventKind classifies an operation event
type EventKind int

const (
	EventFound EventKind = iota
	EventLost
	EventError
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventLost:
		return "lost"
	case EventError:
		return "error"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is one result of an operation. Record holds whatever the reply
// carried; RR is set for record queries.
type Event struct {
	Kind   EventKind
	Record ServiceRecord
	RR     dns.RR
	Err    error
}

func (e Event) terminal() bool {
	return e.Kind == EventError || e.Kind == EventCompleted
}

// converter maps one native reply to its event
type converter func(reply mdnsd.Reply) Event

// Operation is one running native operation. Events arrive on Events() in
// the order the daemon produced them; the channel closes after a terminal
// event, on Cancel, or when the context ends.
type Operation struct {
	kind    string
	engine  *Engine
	convert converter

	events   chan Event
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	queue    []Event
	terminal bool
	err      error
	notify   chan struct{}

	// set once during start, read by the pump afterwards
	ref        mdnsd.Ref
	registered bool
	lease      lease
	held       bool
	startErr   error
}

type nativeCall func(cb mdnsd.Callback) (mdnsd.Ref, error)

func newOperation(e *Engine, kind string, convert converter) *Operation {
	return &Operation{
		kind:     kind,
		engine:   e,
		convert:  convert,
		events:   make(chan Event),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// startOperation acquires the daemon and issues call on the loop, registering
// its ref in the same loop turn so no reply can arrive unrouted. Failures
// become the single terminal event of the returned operation.
func (e *Engine) startOperation(ctx context.Context, kind string, convert converter, call nativeCall) *Operation {
	op := newOperation(e, kind, convert)

	if err := op.start(call); err != nil {
		log.Printf("Failed to start %s: %v", kind, err)
		op.startErr = operationError(kind, err)
		op.push(Event{Kind: EventError, Err: op.startErr})
	}

	go op.pump(ctx)
	return op
}

func (op *Operation) start(call nativeCall) error {
	e := op.engine

	ls, err := e.life.acquire()
	if err != nil {
		return err
	}
	op.lease = ls
	op.held = true

	type result struct {
		ref mdnsd.Ref
		err error
	}
	res := make(chan result, 1)

	err = e.native.Post(func() {
		ref, err := call(e.table.dispatch)
		if err != nil {
			res <- result{err: err}
			return
		}
		if err := e.table.register(ref, op.handle); err != nil {
			log.Printf("Refusing %s handle %s: %v", op.kind, ref, err)
			e.native.Cancel(ref)
			res <- result{err: err}
			return
		}
		res <- result{ref: ref}
	})
	if err != nil {
		return err
	}

	var r result
	select {
	case r = <-res:
	case <-ls.done:
		select {
		case r = <-res:
		default:
			r.err = mdnsd.ErrServiceNotRunning
		}
	}
	if r.err != nil {
		return r.err
	}

	op.ref = r.ref
	op.registered = true
	return nil
}

// handle runs on the loop goroutine and must never block
func (op *Operation) handle(reply mdnsd.Reply) {
	if reply.Err != mdnsd.NoError {
		op.push(Event{Kind: EventError, Err: &OperationError{Op: op.kind, Code: reply.Err}})
		return
	}

	if reply.Flags&mdnsd.FlagFinished != 0 {
		if reply.Flags&mdnsd.FlagAdd != 0 {
			op.push(op.convert(reply))
		}
		op.push(Event{Kind: EventCompleted})
		return
	}

	op.push(op.convert(reply))
}

// push appends ev unless a terminal event is already queued
func (op *Operation) push(ev Event) {
	op.mu.Lock()
	if op.terminal {
		op.mu.Unlock()
		return
	}
	op.queue = append(op.queue, ev)
	if ev.terminal() {
		op.terminal = true
		op.err = ev.Err
	}
	op.mu.Unlock()

	select {
	case op.notify <- struct{}{}:
	default:
	}
}

func (op *Operation) next() (Event, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if len(op.queue) == 0 {
		return Event{}, false
	}
	ev := op.queue[0]
	op.queue[0] = Event{}
	op.queue = op.queue[1:]
	return ev, true
}

func (op *Operation) pump(ctx context.Context) {
	defer close(op.finished)
	defer close(op.events)
	defer op.cleanup()

	loopDone := op.lease.done

	for {
		ev, ok := op.next()
		if !ok {
			select {
			case <-op.notify:
			case <-loopDone:
				loopDone = nil
				op.push(Event{Kind: EventError, Err: &OperationError{Op: op.kind, Code: mdnsd.ErrServiceNotRunning}})
			case <-op.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case op.events <- ev:
			if ev.terminal() {
				return
			}
		case <-op.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanup unregisters, cancels the native op and releases the daemon
func (op *Operation) cleanup() {
	e := op.engine

	if op.registered {
		e.table.unregister(op.ref)
		e.native.Cancel(op.ref)
	}
	if op.held {
		if err := e.life.release(op.lease); err != nil {
			log.Printf("Releasing daemon after %s: %v", op.kind, err)
		}
	}
}

// Events returns the event stream
func (op *Operation) Events() <-chan Event {
	return op.events
}

// Err returns the terminal error, if one was queued
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed once the operation has fully stopped
func (op *Operation) Done() <-chan struct{} {
	return op.finished
}

// Cancel stops the operation. When it returns the native operation is
// cancelled, the daemon reference is released and no event will follow.
func (op *Operation) Cancel() {
	op.stopOnce.Do(func() { close(op.done) })
	<-op.finished
}

func browseEvent(reply mdnsd.Reply) Event {
	rec := ServiceRecord{
		Name:    reply.Name,
		RegType: reply.RegType,
		Domain:  reply.Domain,
		IfIndex: reply.IfIndex,
	}
	if reply.Flags&mdnsd.FlagAdd == 0 {
		return Event{Kind: EventLost, Record: rec}
	}
	return Event{Kind: EventFound, Record: rec}
}

func resolveEvent(reply mdnsd.Reply) Event {
	return Event{Kind: EventFound, Record: ServiceRecord{
		Name:     reply.Name,
		RegType:  reply.RegType,
		Domain:   reply.Domain,
		IfIndex:  reply.IfIndex,
		Hostname: reply.Host,
		Port:     reply.Port,
		TXT:      ParseTXT(reply.TXT),
		Flags:    FlagResolved,
	}}
}

func addressEvent(reply mdnsd.Reply) Event {
	rec := ServiceRecord{
		IfIndex:   reply.IfIndex,
		Hostname:  reply.Host,
		Addresses: append([]net.IP{}, reply.Addrs...),
		Flags:     FlagAddressResolved,
	}
	if reply.Flags&mdnsd.FlagAdd == 0 {
		return Event{Kind: EventLost, Record: rec}
	}
	return Event{Kind: EventFound, Record: rec}
}

func queryEvent(reply mdnsd.Reply) Event {
	ev := Event{Kind: EventFound, Record: ServiceRecord{IfIndex: reply.IfIndex, Hostname: reply.Host}}
	if reply.Flags&mdnsd.FlagAdd == 0 {
		ev.Kind = EventLost
	}
	if len(reply.Records) > 0 {
		ev.RR = reply.Records[0]
	}
	return ev
}

func registerEvent(reply mdnsd.Reply) Event {
	return Event{Kind: EventFound, Record: ServiceRecord{
		Name:     reply.Name,
		RegType:  reply.RegType,
		Domain:   reply.Domain,
		IfIndex:  reply.IfIndex,
		Hostname: reply.Host,
		Port:     reply.Port,
	}}
}
