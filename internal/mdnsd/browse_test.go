// ABOUTME: Tests for browse round bookkeeping and service type enumeration
// ABOUTME: Pure functions only, no network
package mdnsd

import (
	"net"
	"reflect"
	"testing"

	"github.com/miekg/dns"
)

func TestDiffRound(t *testing.T) {
	const lostAfter = 2
	seen := make(map[string]*sighting)

	tests := []struct {
		name    string
		found   map[string]string
		added   []string
		removed []string
	}{
		{"new instances", map[string]string{"Kitchen": "k1", "Hall": "h1"}, []string{"Hall", "Kitchen"}, nil},
		{"unchanged", map[string]string{"Kitchen": "k1", "Hall": "h1"}, nil, nil},
		{"changed data", map[string]string{"Kitchen": "k2", "Hall": "h1"}, []string{"Kitchen"}, nil},
		{"first miss", map[string]string{"Kitchen": "k2"}, nil, nil},
		{"seen again resets misses", map[string]string{"Kitchen": "k2", "Hall": "h1"}, nil, nil},
		{"miss one", map[string]string{"Hall": "h1"}, nil, nil},
		{"missed enough", map[string]string{"Hall": "h1"}, nil, []string{"Kitchen"}},
		{"empty round", map[string]string{}, nil, nil},
		{"all gone", map[string]string{}, nil, []string{"Hall"}},
		{"back after loss", map[string]string{"Kitchen": "k2"}, []string{"Kitchen"}, nil},
	}

	for _, tt := range tests {
		added, removed := diffRound(seen, tt.found, lostAfter)
		if !reflect.DeepEqual(added, tt.added) {
			t.Errorf("%s: added = %v, want %v", tt.name, added, tt.added)
		}
		if !reflect.DeepEqual(removed, tt.removed) {
			t.Errorf("%s: removed = %v, want %v", tt.name, removed, tt.removed)
		}
	}

	if len(seen) != 1 || seen["Kitchen"] == nil {
		t.Errorf("expected only Kitchen tracked, got %v", seen)
	}
}

func TestDiffRoundLostAfterOne(t *testing.T) {
	seen := map[string]*sighting{"Kitchen": {signature: "k1"}}

	_, removed := diffRound(seen, map[string]string{}, 1)
	if !reflect.DeepEqual(removed, []string{"Kitchen"}) {
		t.Errorf("expected Kitchen removed after one miss, got %v", removed)
	}
}

func ptr(name, target string, ttl uint32) dns.RR {
	return &dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: target,
	}
}

func TestServiceTypes(t *testing.T) {
	const question = "_services._dns-sd._udp.local."

	tests := []struct {
		name    string
		records []dns.RR
		domain  string
		want    map[string]string
	}{
		{
			name: "ptr targets",
			records: []dns.RR{
				ptr(question, "_http._tcp.local.", 4500),
				ptr(question, "_IPP._tcp.local.", 4500),
				ptr(question, "_http._tcp.local.", 4500),
			},
			domain: "local.",
			want:   map[string]string{"_http._tcp": "", "_ipp._tcp": ""},
		},
		{
			name:    "default domain",
			records: []dns.RR{ptr(question, "_airplay._tcp.local.", 4500)},
			domain:  "",
			want:    map[string]string{"_airplay._tcp": ""},
		},
		{
			name: "foreign domain",
			records: []dns.RR{
				ptr(question, "_http._tcp.example.com.", 4500),
				ptr(question, "_ssh._tcp.local.", 4500),
			},
			domain: "local.",
			want:   map[string]string{"_ssh._tcp": ""},
		},
		{
			name:    "goodbye",
			records: []dns.RR{ptr(question, "_http._tcp.local.", 0)},
			domain:  "local.",
			want:    map[string]string{},
		},
		{
			name: "other records",
			records: []dns.RR{
				&dns.A{Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.ParseIP("192.168.1.20")},
				ptr(question, "local.", 4500),
			},
			domain: "local.",
			want:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serviceTypes(tt.records, tt.domain)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("serviceTypes() = %v, want %v", got, tt.want)
			}
		})
	}
}
