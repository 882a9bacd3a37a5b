// ABOUTME: Browse, resolve and address lookup composed into one record stream
// ABOUTME: Each identity has at most one resolve and one address lookup in flight
package dnssd

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

type stage int

const (
	stageResolve stage = iota
	stageAddress
)

func (s stage) String() string {
	if s == stageResolve {
		return "resolve"
	}
	return "address"
}

// subEvent is an event of a resolve or address lookup tagged with the
// operation that produced it
type subEvent struct {
	key   ServiceKey
	op    *Operation
	stage stage
	ev    Event
}

// tracked is the pipeline state of one identity. The operation pointers
// double as tokens: events from any other operation are stale.
type tracked struct {
	record     ServiceRecord
	resolving  *Operation
	addressing *Operation
}

// ServiceBrowser emits resolved service records for one service type.
// Records with FlagLost announce that a service went away. Browsing the
// service type enumeration yields one unresolved record per advertised type,
// with the type (e.g. _http._tcp) as Name.
type ServiceBrowser struct {
	engine   *Engine
	regType  string
	types    bool
	browse   *Operation
	records  chan ServiceRecord
	updates  chan subEvent
	stopped  chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// owned by the run goroutine
	tracked map[ServiceKey]*tracked

	mu  sync.Mutex
	err error
}

func newServiceBrowser(ctx context.Context, e *Engine, regType string) *ServiceBrowser {
	b := &ServiceBrowser{
		engine:   e,
		regType:  regType,
		types:    regType == mdnsd.ServiceTypeEnumeration,
		records:  make(chan ServiceRecord),
		updates:  make(chan subEvent),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
		tracked:  make(map[ServiceKey]*tracked),
	}
	b.browse = e.Browse(ctx, e.config.IfIndex, regType, "")

	log.Printf("Browsing for %s", regType)
	go b.run(ctx)
	return b
}

// Records returns the record stream. It closes when the browser ends.
func (b *ServiceBrowser) Records() <-chan ServiceRecord {
	return b.records
}

// Err returns why the browser ended, once Records is closed. It is nil
// after Cancel or context cancellation.
func (b *ServiceBrowser) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Cancel stops the browser and every operation it started
func (b *ServiceBrowser) Cancel() {
	b.stopOnce.Do(func() { close(b.stopped) })
	<-b.finished
}

func (b *ServiceBrowser) run(ctx context.Context) {
	defer close(b.finished)
	defer close(b.records)
	defer b.shutdown()

	browseEvents := b.browse.Events()
	for {
		select {
		case ev, ok := <-browseEvents:
			if !ok {
				b.setErr(b.browse.Err())
				return
			}
			if !b.onBrowse(ctx, ev) {
				return
			}
		case sub := <-b.updates:
			if !b.onSub(ctx, sub) {
				return
			}
		case <-b.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *ServiceBrowser) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *ServiceBrowser) shutdown() {
	b.stopOnce.Do(func() { close(b.stopped) })

	b.browse.Cancel()
	for key, t := range b.tracked {
		b.cancelSubs(t)
		delete(b.tracked, key)
	}
	b.wg.Wait()
	log.Printf("Stopped browsing for %s", b.regType)
}

// emit hands a copy of rec to the consumer. It returns false when the
// browser is stopping.
func (b *ServiceBrowser) emit(ctx context.Context, rec ServiceRecord) bool {
	select {
	case b.records <- rec.clone():
		return true
	case <-b.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *ServiceBrowser) onBrowse(ctx context.Context, ev Event) bool {
	key := ev.Record.Key()

	switch ev.Kind {
	case EventFound:
		t, ok := b.tracked[key]
		if ok {
			b.cancelSubs(t)
			// keep what earlier resolves learned until new data replaces it
			t.record.Name = ev.Record.Name
			t.record.RegType = ev.Record.RegType
			t.record.Domain = ev.Record.Domain
			t.record.IfIndex = ev.Record.IfIndex
		} else {
			t = &tracked{record: ev.Record}
			b.tracked[key] = t
		}

		// service types have nothing to resolve
		if b.types {
			return b.emit(ctx, t.record)
		}

		if b.engine.config.IntermediateResults && !b.emit(ctx, t.record) {
			return false
		}
		b.startResolve(ctx, key, t)
		return true

	case EventLost:
		t, ok := b.tracked[key]
		if !ok {
			return true
		}
		b.cancelSubs(t)
		delete(b.tracked, key)

		rec := t.record
		rec.Flags |= FlagLost
		return b.emit(ctx, rec)

	case EventError:
		log.Printf("Browse for %s failed: %v", b.regType, ev.Err)
		b.setErr(ev.Err)
		return false

	default:
		return false
	}
}

func (b *ServiceBrowser) onSub(ctx context.Context, sub subEvent) bool {
	t, ok := b.tracked[sub.key]
	if !ok {
		return true
	}

	switch sub.stage {
	case stageResolve:
		if t.resolving != sub.op {
			return true
		}
		return b.onResolve(ctx, sub.key, t, sub.ev)
	case stageAddress:
		if t.addressing != sub.op {
			return true
		}
		return b.onAddress(ctx, t, sub.ev)
	}
	return true
}

func (b *ServiceBrowser) onResolve(ctx context.Context, key ServiceKey, t *tracked, ev Event) bool {
	switch ev.Kind {
	case EventFound:
	case EventError, EventCompleted:
		if ev.Err != nil {
			log.Printf("Resolve of %q failed: %v", key.Name, ev.Err)
		}
		t.resolving = nil
		return true
	default:
		return true
	}

	t.resolving.Cancel()
	t.resolving = nil

	if !strings.EqualFold(t.record.Hostname, ev.Record.Hostname) {
		t.record.Addresses = nil
		t.record.Flags &^= FlagAddressResolved
	}
	t.record.Hostname = ev.Record.Hostname
	t.record.Port = ev.Record.Port
	t.record.TXT = ev.Record.TXT
	if t.record.TXT == nil {
		t.record.TXT = TXTRecord{}
	}
	t.record.Flags |= FlagResolved

	if b.engine.config.SkipAddressResolve {
		return b.emit(ctx, t.record)
	}
	if b.engine.config.IntermediateResults && !b.emit(ctx, t.record) {
		return false
	}

	op := b.engine.ResolveAddress(ctx, key.IfIndex, t.record.Hostname)
	t.addressing = op
	b.forward(key, op, stageAddress)
	return true
}

func (b *ServiceBrowser) onAddress(ctx context.Context, t *tracked, ev Event) bool {
	switch ev.Kind {
	case EventFound:
		t.addressing.Cancel()
		t.addressing = nil
		t.record.Addresses = mergeAddresses(t.record.Addresses, ev.Record.Addresses)
		t.record.Flags |= FlagAddressResolved
		return b.emit(ctx, t.record)

	case EventError, EventCompleted:
		if ev.Err != nil {
			log.Printf("Address lookup for %s failed: %v", t.record.Hostname, ev.Err)
		}
		t.addressing = nil
		if b.engine.config.IntermediateResults {
			return true
		}
		return b.emit(ctx, t.record)
	}
	return true
}

func (b *ServiceBrowser) startResolve(ctx context.Context, key ServiceKey, t *tracked) {
	op := b.engine.Resolve(ctx, key.IfIndex, key.Name, key.RegType, key.Domain)
	t.resolving = op
	b.forward(key, op, stageResolve)
}

func (b *ServiceBrowser) cancelSubs(t *tracked) {
	if t.resolving != nil {
		t.resolving.Cancel()
		t.resolving = nil
	}
	if t.addressing != nil {
		t.addressing.Cancel()
		t.addressing = nil
	}
}

// forward relays events of a sub-operation into the run loop
func (b *ServiceBrowser) forward(key ServiceKey, op *Operation, st stage) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range op.Events() {
			select {
			case b.updates <- subEvent{key: key, op: op, stage: st, ev: ev}:
			case <-b.stopped:
				return
			}
		}
	}()
}

func mergeAddresses(have, add []net.IP) []net.IP {
	out := append([]net.IP{}, have...)
	for _, ip := range add {
		dup := false
		for _, h := range out {
			if h.Equal(ip) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ip)
		}
	}
	return out
}
