// ABOUTME: Advertises local services through the shared daemon
// ABOUTME: Reports one outcome per registration and never renames on conflict
package dnssd

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

// RegistrationEventKind is the outcome of a registration
type RegistrationEventKind int

const (
	Registered RegistrationEventKind = iota
	NameConflict
	RegistrationFailed
)

func (k RegistrationEventKind) String() string {
	switch k {
	case Registered:
		return "registered"
	case NameConflict:
		return "name conflict"
	case RegistrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RegistrationEvent is the single outcome of a registration. Name is the
// name the service is advertised under.
type RegistrationEvent struct {
	Kind   RegistrationEventKind
	Name   string
	Record ServiceRecord
	Err    error
}

// Registration is one advertised service
type Registration struct {
	record ServiceRecord
	op     *Operation
	events chan RegistrationEvent
	done   chan struct{}

	mu      sync.Mutex
	outcome *RegistrationEvent
}

// RegisterService advertises rec. Invalid records fail synchronously with
// ErrInvalidRecord; everything else is reported on Events. The service stays
// advertised until Cancel or until ctx ends.
func (e *Engine) RegisterService(ctx context.Context, rec ServiceRecord) (*Registration, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}

	rec = rec.clone()
	rec.RegType = mdnsd.NormalizeType(rec.RegType)
	rec.Domain = e.domain(rec.Domain)
	if rec.IfIndex == 0 {
		rec.IfIndex = e.config.IfIndex
	}

	svc := mdnsd.Service{
		Name:    rec.Name,
		RegType: rec.RegType,
		Domain:  rec.Domain,
		Host:    rec.Hostname,
		Port:    rec.Port,
		TXT:     rec.TXT.Strings(),
		IPs:     rec.Addresses,
		IfIndex: rec.IfIndex,
	}

	r := &Registration{
		record: rec,
		events: make(chan RegistrationEvent, 1),
		done:   make(chan struct{}),
	}
	r.op = e.startOperation(ctx, "register", registerEvent, func(cb mdnsd.Callback) (mdnsd.Ref, error) {
		return e.native.Register(svc, cb)
	})

	go r.watch(ctx)
	return r, nil
}

func (r *Registration) watch(ctx context.Context) {
	defer close(r.done)

	reported := false
	for ev := range r.op.Events() {
		if reported {
			if ev.Kind == EventError {
				log.Printf("Advertisement of %q ended: %v", r.record.Name, ev.Err)
			}
			continue
		}
		reported = true
		r.report(r.outcomeOf(ev))
	}

	if !reported {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		r.report(RegistrationEvent{Kind: RegistrationFailed, Name: r.record.Name, Record: r.record, Err: err})
	}
}

func (r *Registration) outcomeOf(ev Event) RegistrationEvent {
	out := RegistrationEvent{Name: r.record.Name, Record: r.record.clone()}

	switch ev.Kind {
	case EventFound:
		out.Kind = Registered
		if ev.Record.Name != "" {
			out.Name = ev.Record.Name
			out.Record.Name = ev.Record.Name
		}
		if ev.Record.Hostname != "" && out.Record.Hostname == "" {
			out.Record.Hostname = ev.Record.Hostname
		}
		log.Printf("Registered %q (%s)", out.Name, r.record.RegType)

	case EventError:
		if errors.Is(ev.Err, mdnsd.ErrNameConflict) {
			out.Kind = NameConflict
			log.Printf("Name conflict registering %q", out.Name)
		} else {
			out.Kind = RegistrationFailed
			log.Printf("Registration of %q failed: %v", out.Name, ev.Err)
		}
		out.Err = ev.Err

	default:
		out.Kind = RegistrationFailed
		out.Err = &OperationError{Op: "register", Code: mdnsd.ErrUnknown}
	}
	return out
}

func (r *Registration) report(ev RegistrationEvent) {
	r.mu.Lock()
	r.outcome = &ev
	r.mu.Unlock()

	r.events <- ev
	close(r.events)
}

// Events delivers exactly one RegistrationEvent and then closes
func (r *Registration) Events() <-chan RegistrationEvent {
	return r.events
}

// Outcome returns the reported event, if any yet
func (r *Registration) Outcome() (RegistrationEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return RegistrationEvent{}, false
	}
	return *r.outcome, true
}

// Record returns the record as submitted for registration
func (r *Registration) Record() ServiceRecord {
	return r.record.clone()
}

// Cancel withdraws the service
func (r *Registration) Cancel() {
	r.op.Cancel()
	<-r.done
}
