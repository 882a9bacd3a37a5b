// ABOUTME: Tests for service records and TXT data
// ABOUTME: Covers TXT parsing, conflict renaming and record copies
package dnssd

import (
	"net"
	"testing"
)

func TestNextName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Foo", "Foo (2)"},
		{"Foo (2)", "Foo (3)"},
		{"Foo (9)", "Foo (10)"},
		{"Foo (1)", "Foo (1) (2)"},
		{"Foo (bar)", "Foo (bar) (2)"},
		{"(3)", "(3) (2)"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NextName(tt.in); got != tt.want {
				t.Errorf("NextName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	txt := ParseTXT([]string{"path=/", "secure", "empty=", "Path=/other", "=orphan", "eq=a=b"})

	if v, ok := txt["path"]; !ok || string(v) != "/" {
		t.Errorf("Expected path=/, got %q", v)
	}
	if _, ok := txt["Path"]; ok {
		t.Error("duplicate key (case-insensitive) should be ignored")
	}
	if v, ok := txt["secure"]; !ok || v != nil {
		t.Errorf("boolean attribute should be present with nil value, got %q", v)
	}
	if v, ok := txt["empty"]; !ok || v == nil || len(v) != 0 {
		t.Errorf("empty value should be non-nil and empty, got %#v", v)
	}
	if v := txt["eq"]; string(v) != "a=b" {
		t.Errorf("value should keep later '=', got %q", v)
	}
	if len(txt) != 4 {
		t.Errorf("Expected 4 keys, got %d: %v", len(txt), txt)
	}

	if v, ok := txt.Get("SECURE"); !ok || v != nil {
		t.Error("Get should match case-insensitively")
	}
}

func TestTXTStringsRoundTrip(t *testing.T) {
	txt := TXTRecord{"b": []byte("2"), "a": nil, "c": []byte{}}
	got := txt.Strings()

	want := []string{"a", "b=2", "c="}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	back := ParseTXT(got)
	if back["a"] != nil || string(back["b"]) != "2" || back["c"] == nil {
		t.Errorf("round trip lost information: %#v", back)
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := ServiceRecord{
		Name:      "Kitchen",
		TXT:       TXTRecord{"k": []byte("v")},
		Addresses: []net.IP{net.ParseIP("10.0.0.1")},
	}

	cp := rec.clone()
	cp.TXT["k"][0] = 'x'
	cp.TXT["new"] = nil
	cp.Addresses[0] = net.ParseIP("10.0.0.2")

	if string(rec.TXT["k"]) != "v" || len(rec.TXT) != 1 {
		t.Errorf("clone shares TXT with the original: %v", rec.TXT)
	}
	if !rec.Addresses[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("clone shares addresses with the original: %v", rec.Addresses)
	}

	var bare ServiceRecord
	if c := bare.clone(); c.TXT != nil || c.Addresses != nil {
		t.Error("clone must keep unknown fields nil")
	}
}

func TestRecordKeyAndFlags(t *testing.T) {
	rec := ServiceRecord{Name: "A", RegType: "_http._tcp", Domain: "local.", IfIndex: 2, Port: 80}
	key := rec.Key()

	if key != (ServiceKey{Name: "A", RegType: "_http._tcp", Domain: "local.", IfIndex: 2}) {
		t.Errorf("unexpected key %+v", key)
	}

	rec.Port = 81
	if rec.Key() != key {
		t.Error("key must not depend on resolved data")
	}

	if s := RecordFlags(0).String(); s != "browsed" {
		t.Errorf("Expected 'browsed', got %q", s)
	}
	if s := (FlagResolved | FlagLost).String(); s != "resolved|lost" {
		t.Errorf("Expected 'resolved|lost', got %q", s)
	}
}
