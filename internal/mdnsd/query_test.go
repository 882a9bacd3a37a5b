// ABOUTME: Tests for one-shot query packets and answer matching
// ABOUTME: Uses miekg/dns messages, no network
package mdnsd

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestBuildQuery(t *testing.T) {
	packet, err := buildQuery("printer.local", []uint16{dns.TypeA, dns.TypeAAAA})
	if err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		t.Fatalf("packet does not unpack: %v", err)
	}

	if msg.Id != 0 || msg.RecursionDesired {
		t.Errorf("mDNS queries use id 0 and no recursion, got id=%d rd=%v", msg.Id, msg.RecursionDesired)
	}
	if len(msg.Question) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(msg.Question))
	}
	if msg.Question[0].Name != "printer.local." {
		t.Errorf("expected FQDN question, got %q", msg.Question[0].Name)
	}
}

func TestMatchAnswers(t *testing.T) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "Printer.local.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: net.ParseIP("192.168.1.20")},
		&dns.A{Hdr: dns.RR_Header{Name: "other.local.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: net.ParseIP("192.168.1.21")},
	}
	msg.Extra = []dns.RR{
		&dns.AAAA{Hdr: dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET}, AAAA: net.ParseIP("fe80::1")},
		&dns.TXT{Hdr: dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET}, Txt: []string{"a=b"}},
	}

	rrs := matchAnswers(msg, "printer.local", []uint16{dns.TypeA, dns.TypeAAAA})
	if len(rrs) != 2 {
		t.Fatalf("expected 2 matching records, got %d", len(rrs))
	}

	addrs := addresses(rrs)
	if len(addrs) != 2 || !addrs[0].Equal(net.ParseIP("192.168.1.20")) {
		t.Errorf("unexpected addresses %v", addrs)
	}

	if all := matchAnswers(msg, "printer.local", []uint16{dns.TypeANY}); len(all) != 3 {
		t.Errorf("ANY should match all three records for the name, got %d", len(all))
	}
}

func TestMatchAnswersIgnoresQueries(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: net.ParseIP("10.0.0.1")},
	}

	if rrs := matchAnswers(msg, "printer.local.", []uint16{dns.TypeA}); rrs != nil {
		t.Errorf("queries must not be treated as answers, got %v", rrs)
	}
}
