// ABOUTME: Tests for one-shot discovery
// ABOUTME: Feeds a scripted daemon and checks the returned snapshot
package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd/mdnsdtest"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

func emitAll(t *testing.T, native *mdnsdtest.Daemon, browse *mdnsdtest.Op, names ...string) {
	t.Helper()

	for i, name := range names {
		if err := native.Emit(browse.Ref, mdnsd.Reply{Flags: mdnsd.FlagAdd, Name: name, RegType: "_http._tcp", Domain: "local."}); err != nil {
			t.Fatal(err)
		}
		resolve, err := native.WaitOp("resolve", i+1, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if err := native.Emit(resolve.Ref, mdnsd.Reply{Flags: mdnsd.FlagAdd, Name: name, RegType: "_http._tcp", Domain: "local.", Host: "h.local.", Port: 80 + i}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverSnapshot(t *testing.T) {
	native := mdnsdtest.New()
	engine := dnssd.NewEngine(native, dnssd.Config{SkipAddressResolve: true})

	type result struct {
		services []dnssd.ServiceRecord
		err      error
	}
	done := make(chan result, 1)
	go func() {
		services, err := Discover(context.Background(), engine, "_http._tcp", 300*time.Millisecond)
		done <- result{services, err}
	}()

	browse, err := native.WaitOp("browse", 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	emitAll(t, native, browse, "Zulu", "Alpha", "Gone")

	if err := native.Emit(browse.Ref, mdnsd.Reply{Name: "Gone", RegType: "_http._tcp", Domain: "local."}); err != nil {
		t.Fatal(err)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Discover did not return")
	}

	if res.err != nil {
		t.Fatalf("Discover failed: %v", res.err)
	}
	if len(res.services) != 2 {
		t.Fatalf("Expected 2 services, got %d: %+v", len(res.services), res.services)
	}
	if res.services[0].Name != "Alpha" || res.services[1].Name != "Zulu" {
		t.Errorf("Expected sorted [Alpha Zulu], got [%s %s]", res.services[0].Name, res.services[1].Name)
	}
	if !browse.Cancelled() {
		t.Error("browse should be cancelled when Discover returns")
	}
}

func TestDiscoverBrowseError(t *testing.T) {
	native := mdnsdtest.New()
	native.FailNext("browse", mdnsd.ErrBadInterfaceIndex)
	engine := dnssd.NewEngine(native, dnssd.Config{})

	_, err := Discover(context.Background(), engine, "_http._tcp", time.Second)
	if !errors.Is(err, mdnsd.ErrBadInterfaceIndex) {
		t.Errorf("Expected BadInterfaceIndex, got %v", err)
	}
}

func TestDiscoverInvalidType(t *testing.T) {
	engine := dnssd.NewEngine(mdnsdtest.New(), dnssd.Config{})

	if _, err := Discover(context.Background(), engine, "http", time.Second); !errors.Is(err, dnssd.ErrInvalidServiceType) {
		t.Errorf("Expected ErrInvalidServiceType, got %v", err)
	}
}

func TestSorted(t *testing.T) {
	records := map[dnssd.ServiceKey]dnssd.ServiceRecord{
		{Name: "b", IfIndex: 1}: {Name: "b", IfIndex: 1},
		{Name: "a", IfIndex: 2}: {Name: "a", IfIndex: 2},
		{Name: "a", IfIndex: 1}: {Name: "a", IfIndex: 1},
	}

	got := Sorted(records)
	want := []struct {
		name string
		idx  int
	}{{"a", 1}, {"a", 2}, {"b", 1}}

	for i, w := range want {
		if got[i].Name != w.name || got[i].IfIndex != w.idx {
			t.Errorf("position %d: expected %s#%d, got %s#%d", i, w.name, w.idx, got[i].Name, got[i].IfIndex)
		}
	}
}
