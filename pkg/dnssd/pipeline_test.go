// ABOUTME: Tests for the browse to resolve to address pipeline
// ABOUTME: Drives the scripted daemon step by step and checks emitted records
package dnssd

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd/mdnsdtest"
)

func browseReply(name string, add bool) mdnsd.Reply {
	reply := mdnsd.Reply{Name: name, RegType: "_http._tcp", Domain: "local.", IfIndex: 1}
	if add {
		reply.Flags = mdnsd.FlagAdd
	}
	return reply
}

func resolveReply(name, host string, port int, txt ...string) mdnsd.Reply {
	return mdnsd.Reply{
		Flags:   mdnsd.FlagAdd,
		Name:    name,
		RegType: "_http._tcp",
		Domain:  "local.",
		IfIndex: 1,
		Host:    host,
		Port:    port,
		TXT:     txt,
	}
}

func startBrowser(t *testing.T, config Config) (*Engine, *mdnsdtest.Daemon, *ServiceBrowser, *mdnsdtest.Op) {
	t.Helper()

	e, native := newTestEngine(t, config)
	browser, err := e.BrowseServices(testContext(t), "_http._tcp")
	if err != nil {
		t.Fatalf("BrowseServices failed: %v", err)
	}
	t.Cleanup(browser.Cancel)

	return e, native, browser, waitOp(t, native, "browse", 1)
}

func TestBrowserResolvesRecord(t *testing.T) {
	e, native, browser, browseOp := startBrowser(t, Config{})

	emit(t, native, browseOp, browseReply("Kitchen", true))

	resolveOp := waitOp(t, native, "resolve", 1)
	if resolveOp.Name != "Kitchen" || resolveOp.RegType != "_http._tcp" || resolveOp.IfIndex != 1 {
		t.Errorf("unexpected resolve arguments %+v", resolveOp)
	}
	emit(t, native, resolveOp, resolveReply("Kitchen", "kitchen.local.", 8080, "path=/api"))

	addrOp := waitOp(t, native, "addrinfo", 1)
	if addrOp.Host != "kitchen.local." {
		t.Errorf("Expected address lookup for kitchen.local., got %s", addrOp.Host)
	}
	ip := net.ParseIP("192.168.1.40")
	emit(t, native, addrOp, mdnsd.Reply{Flags: mdnsd.FlagAdd, Host: "kitchen.local.", Addrs: []net.IP{ip}, IfIndex: 1})

	rec := recv(t, browser.Records())
	if rec.Name != "Kitchen" || rec.Hostname != "kitchen.local." || rec.Port != 8080 {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.Resolved() || !rec.AddressResolved() || rec.Lost() {
		t.Errorf("unexpected flags %s", rec.Flags)
	}
	if len(rec.Addresses) != 1 || !rec.Addresses[0].Equal(ip) {
		t.Errorf("unexpected addresses %v", rec.Addresses)
	}
	if v, _ := rec.TXT.Get("path"); string(v) != "/api" {
		t.Errorf("Expected TXT path=/api, got %q", v)
	}

	if !resolveOp.Cancelled() || !addrOp.Cancelled() {
		t.Error("finished sub-operations should be cancelled")
	}

	browser.Cancel()
	expectClosed(t, browser.Records())
	if browser.Err() != nil {
		t.Errorf("Expected no error after Cancel, got %v", browser.Err())
	}
	waitIdle(t, e, native)
}

func TestBrowserReportsLostRecord(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{SkipAddressResolve: true})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, waitOp(t, native, "resolve", 1), resolveReply("Kitchen", "kitchen.local.", 8080))

	rec := recv(t, browser.Records())
	if !rec.Resolved() || rec.AddressResolved() {
		t.Errorf("Expected resolved record without addresses, got %s", rec.Flags)
	}

	emit(t, native, browseOp, browseReply("Kitchen", false))

	lost := recv(t, browser.Records())
	if !lost.Lost() || lost.Name != "Kitchen" {
		t.Errorf("Expected Kitchen lost, got %+v", lost)
	}
	if lost.Port != 8080 {
		t.Errorf("lost record should carry the last known state, got port %d", lost.Port)
	}

	if n := len(native.Ops("addrinfo")); n != 0 {
		t.Errorf("address lookups should be skipped, got %d", n)
	}
}

func TestBrowserLostWhileResolving(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{SkipAddressResolve: true})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	resolveOp := waitOp(t, native, "resolve", 1)

	emit(t, native, browseOp, browseReply("Kitchen", false))

	lost := recv(t, browser.Records())
	if !lost.Lost() || lost.Resolved() {
		t.Errorf("Expected unresolved lost record, got %s", lost.Flags)
	}

	// the resolve is gone by now; its late answer must not resurrect Kitchen
	_ = native.Emit(resolveOp.Ref, resolveReply("Kitchen", "kitchen.local.", 8080))
	if !resolveOp.Cancelled() {
		t.Error("in-flight resolve was not cancelled")
	}

	emit(t, native, browseOp, browseReply("Hall", true))
	emit(t, native, waitOp(t, native, "resolve", 2), resolveReply("Hall", "hall.local.", 9090))

	rec := recv(t, browser.Records())
	if rec.Name != "Hall" {
		t.Errorf("Expected Hall, got %s", rec.Name)
	}
}

func TestBrowserReplacesResolveOnUpdate(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{SkipAddressResolve: true})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	first := waitOp(t, native, "resolve", 1)

	emit(t, native, browseOp, browseReply("Kitchen", true))
	second := waitOp(t, native, "resolve", 2)

	if !first.Cancelled() {
		t.Error("stale resolve should be cancelled when the service updates")
	}

	_ = native.Emit(first.Ref, resolveReply("Kitchen", "old.local.", 1111))
	emit(t, native, second, resolveReply("Kitchen", "new.local.", 2222))

	rec := recv(t, browser.Records())
	if rec.Port != 2222 || rec.Hostname != "new.local." {
		t.Errorf("Expected the fresh resolve result, got %s:%d", rec.Hostname, rec.Port)
	}
	expectNothing(t, browser.Records(), 50*time.Millisecond)
}

func TestStaleSubEventDiscarded(t *testing.T) {
	b := &ServiceBrowser{
		engine:  &Engine{},
		records: make(chan ServiceRecord),
		stopped: make(chan struct{}),
		tracked: make(map[ServiceKey]*tracked),
	}

	key := ServiceKey{Name: "Kitchen", RegType: "_http._tcp", Domain: "local.", IfIndex: 1}
	current, stale := &Operation{}, &Operation{}
	b.tracked[key] = &tracked{record: ServiceRecord{Name: "Kitchen"}, resolving: current}

	ev := Event{Kind: EventFound, Record: ServiceRecord{Hostname: "stale.local.", Port: 1}}
	if !b.onSub(context.Background(), subEvent{key: key, op: stale, stage: stageResolve, ev: ev}) {
		t.Fatal("stale event should not stop the browser")
	}

	tr := b.tracked[key]
	if tr.resolving != current {
		t.Error("stale event replaced the current resolve")
	}
	if tr.record.Resolved() || tr.record.Hostname != "" {
		t.Errorf("stale event was merged: %+v", tr.record)
	}

	other := ServiceKey{Name: "Gone"}
	if !b.onSub(context.Background(), subEvent{key: other, op: stale, stage: stageAddress, ev: ev}) {
		t.Fatal("event for an untracked identity should be ignored")
	}
}

func TestBrowserIntermediateResults(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{IntermediateResults: true})

	emit(t, native, browseOp, browseReply("Kitchen", true))

	rec := recv(t, browser.Records())
	if rec.Flags != 0 || rec.TXT != nil || rec.Addresses != nil {
		t.Errorf("Expected a bare browse result, got %+v", rec)
	}

	emit(t, native, waitOp(t, native, "resolve", 1), resolveReply("Kitchen", "kitchen.local.", 8080))

	rec = recv(t, browser.Records())
	if !rec.Resolved() || rec.AddressResolved() {
		t.Errorf("Expected resolved-only record, got %s", rec.Flags)
	}
	if rec.TXT == nil {
		t.Error("resolved record should have a non-nil TXT even when empty")
	}

	ip := net.ParseIP("fe80::1")
	emit(t, native, waitOp(t, native, "addrinfo", 1), mdnsd.Reply{Flags: mdnsd.FlagAdd, Addrs: []net.IP{ip}})

	rec = recv(t, browser.Records())
	if !rec.Resolved() || !rec.AddressResolved() {
		t.Errorf("Expected fully resolved record, got %s", rec.Flags)
	}
}

func TestBrowserAddressFailureEmitsResolved(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, waitOp(t, native, "resolve", 1), resolveReply("Kitchen", "kitchen.local.", 8080))
	emit(t, native, waitOp(t, native, "addrinfo", 1), mdnsd.Reply{Err: mdnsd.ErrNoSuchRecord})

	rec := recv(t, browser.Records())
	if !rec.Resolved() || rec.AddressResolved() {
		t.Errorf("Expected resolved record without addresses, got %s", rec.Flags)
	}
	if rec.Addresses != nil {
		t.Errorf("unknown addresses should stay nil, got %v", rec.Addresses)
	}
}

func TestBrowserEndsOnBrowseError(t *testing.T) {
	e, native, browser, browseOp := startBrowser(t, Config{})

	emit(t, native, browseOp, mdnsd.Reply{Err: mdnsd.ErrUnknown})

	expectClosed(t, browser.Records())

	var opErr *OperationError
	if !errors.As(browser.Err(), &opErr) || opErr.Code != mdnsd.ErrUnknown {
		t.Errorf("Expected browse OperationError, got %v", browser.Err())
	}
	waitIdle(t, e, native)
}

func TestBrowserCancelStopsSubOperations(t *testing.T) {
	e, native, browser, browseOp := startBrowser(t, Config{})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, browseOp, browseReply("Hall", true))
	a := waitOp(t, native, "resolve", 1)
	b := waitOp(t, native, "resolve", 2)

	browser.Cancel()

	if !browseOp.Cancelled() || !a.Cancelled() || !b.Cancelled() {
		t.Error("Cancel should stop the browse and every resolve")
	}
	waitIdle(t, e, native)
}

func TestBrowseServicesDefaultsAndValidation(t *testing.T) {
	e, native := newTestEngine(t, Config{})

	if _, err := e.BrowseServices(testContext(t), "not a type"); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("Expected ErrInvalidServiceType, got %v", err)
	}

	browser, err := e.BrowseServices(testContext(t), "")
	if err != nil {
		t.Fatalf("BrowseServices failed: %v", err)
	}
	defer browser.Cancel()

	op := waitOp(t, native, "browse", 1)
	if op.RegType != mdnsd.ServiceTypeEnumeration {
		t.Errorf("Expected enumeration browse, got %s", op.RegType)
	}
}

func TestBrowserInitFailure(t *testing.T) {
	e, native := newTestEngine(t, Config{})
	native.SetInitError(mdnsd.ErrUnknown)

	browser, err := e.BrowseServices(testContext(t), "_http._tcp")
	if err != nil {
		t.Fatalf("BrowseServices failed: %v", err)
	}

	expectClosed(t, browser.Records())

	var initErr *DaemonInitError
	if !errors.As(browser.Err(), &initErr) {
		t.Errorf("Expected DaemonInitError, got %v", browser.Err())
	}
}

func TestBrowserUpdateKeepsLastKnownState(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{SkipAddressResolve: true})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, waitOp(t, native, "resolve", 1), resolveReply("Kitchen", "kitchen.local.", 8080, "a=1"))
	recv(t, browser.Records())

	// the service changes, then goes away before the new resolve answers
	emit(t, native, browseOp, browseReply("Kitchen", true))
	second := waitOp(t, native, "resolve", 2)
	emit(t, native, browseOp, browseReply("Kitchen", false))

	lost := recv(t, browser.Records())
	if !lost.Lost() || !lost.Resolved() {
		t.Errorf("Expected resolved|lost, got %s", lost.Flags)
	}
	if lost.Hostname != "kitchen.local." || lost.Port != 8080 {
		t.Errorf("lost record should keep the last known target, got %s:%d", lost.Hostname, lost.Port)
	}
	if v, ok := lost.TXT.Get("a"); !ok || string(v) != "1" {
		t.Errorf("lost record should keep the last known TXT, got %v", lost.TXT)
	}
	if !second.Cancelled() {
		t.Error("pending resolve should be cancelled on loss")
	}
}

func TestBrowserNewHostDropsOldAddresses(t *testing.T) {
	_, native, browser, browseOp := startBrowser(t, Config{})

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, waitOp(t, native, "resolve", 1), resolveReply("Kitchen", "old.local.", 8080))
	old := net.ParseIP("192.168.1.40")
	emit(t, native, waitOp(t, native, "addrinfo", 1), mdnsd.Reply{Flags: mdnsd.FlagAdd, Addrs: []net.IP{old}})
	recv(t, browser.Records())

	emit(t, native, browseOp, browseReply("Kitchen", true))
	emit(t, native, waitOp(t, native, "resolve", 2), resolveReply("Kitchen", "new.local.", 8080))
	fresh := net.ParseIP("192.168.1.41")
	emit(t, native, waitOp(t, native, "addrinfo", 2), mdnsd.Reply{Flags: mdnsd.FlagAdd, Addrs: []net.IP{fresh}})

	rec := recv(t, browser.Records())
	if rec.Hostname != "new.local." {
		t.Errorf("Expected new.local., got %s", rec.Hostname)
	}
	if len(rec.Addresses) != 1 || !rec.Addresses[0].Equal(fresh) {
		t.Errorf("addresses of the old host should be dropped, got %v", rec.Addresses)
	}
}

func TestBrowserServiceTypesAreNotResolved(t *testing.T) {
	e, native := newTestEngine(t, Config{})

	browser, err := e.BrowseServices(testContext(t), "")
	if err != nil {
		t.Fatalf("BrowseServices failed: %v", err)
	}
	t.Cleanup(browser.Cancel)

	browseOp := waitOp(t, native, "browse", 1)
	typeReply := func(name string, add bool) mdnsd.Reply {
		reply := mdnsd.Reply{Name: name, RegType: mdnsd.ServiceTypeEnumeration, Domain: "local.", IfIndex: 1}
		if add {
			reply.Flags = mdnsd.FlagAdd
		}
		return reply
	}

	emit(t, native, browseOp, typeReply("_http._tcp", true))
	emit(t, native, browseOp, typeReply("_ipp._tcp", true))

	first := recv(t, browser.Records())
	second := recv(t, browser.Records())
	if first.Name != "_http._tcp" || second.Name != "_ipp._tcp" {
		t.Errorf("Expected both service types, got %q and %q", first.Name, second.Name)
	}
	if first.Resolved() || first.RegType != mdnsd.ServiceTypeEnumeration {
		t.Errorf("unexpected type record %+v", first)
	}

	emit(t, native, browseOp, typeReply("_ipp._tcp", false))
	if lost := recv(t, browser.Records()); !lost.Lost() || lost.Name != "_ipp._tcp" {
		t.Errorf("Expected _ipp._tcp lost, got %+v", lost)
	}

	if err := native.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := len(native.Ops("resolve")); n != 0 {
		t.Errorf("service types must not be resolved, got %d resolves", n)
	}
}
