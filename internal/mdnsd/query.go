// ABOUTME: One-shot multicast DNS queries for addresses and raw records
// ABOUTME: Sends from an ephemeral port so responders answer by unicast (RFC 6762 5.1)
package mdnsd

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	groupV4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}
	groupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}
)

// GetAddrInfo resolves hostname to its IPv4/IPv6 addresses. It sends one
// reply with all addresses followed by FlagFinished, or an error.
func (d *Daemon) GetAddrInfo(ifIndex int, hostname string, cb Callback) (Ref, error) {
	if trimDot(hostname) == "" {
		return Ref{}, ErrBadParam
	}

	op, err := d.start("addrinfo", ifIndex, cb)
	if err != nil {
		return Ref{}, err
	}

	go d.getAddrInfo(op, dns.Fqdn(hostname))
	return op.ref, nil
}

func (d *Daemon) getAddrInfo(op *operation, host string) {
	reply := Reply{Host: host}

	addrs, ok := d.hosts.Get(cacheKey(host))
	if !ok || len(addrs) == 0 {
		qtypes := []uint16{dns.TypeA}
		if !d.config.DisableIPv6 {
			qtypes = append(qtypes, dns.TypeAAAA)
		}

		records, err := d.exchange(op.ctx, op.iface, host, qtypes, d.config.ResolveTimeout, true)
		if op.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("Address lookup for %s failed: %v", host, err)
			d.fail(op, ErrUnknown, reply)
			return
		}

		addrs = addresses(records)
		if len(addrs) == 0 {
			d.fail(op, ErrNoSuchRecord, reply)
			return
		}
		d.hosts.Add(cacheKey(host), addrs)
	}

	reply.Flags = FlagAdd
	reply.Addrs = addrs
	d.deliver(op, reply)
	d.deliver(op, Reply{Flags: FlagFinished, Host: host})
}

// QueryRecord asks the link for records of rrType under fullName. Each record
// is one reply; FlagFinished follows after one query round.
func (d *Daemon) QueryRecord(ifIndex int, fullName string, rrType uint16, cb Callback) (Ref, error) {
	if trimDot(fullName) == "" || rrType == dns.TypeNone {
		return Ref{}, ErrBadParam
	}

	op, err := d.start("query", ifIndex, cb)
	if err != nil {
		return Ref{}, err
	}

	go d.queryRecord(op, dns.Fqdn(fullName), rrType)
	return op.ref, nil
}

func (d *Daemon) queryRecord(op *operation, name string, rrType uint16) {
	records, err := d.exchange(op.ctx, op.iface, name, []uint16{rrType}, d.config.QueryTimeout, false)
	if op.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("Record query %s %s failed: %v", name, dns.TypeToString[rrType], err)
		d.fail(op, ErrUnknown, Reply{Host: name})
		return
	}

	for i, rr := range records {
		flags := FlagAdd
		if i < len(records)-1 {
			flags |= FlagMoreComing
		}
		d.deliver(op, Reply{Flags: flags, Host: name, Records: []dns.RR{rr}})
	}
	d.deliver(op, Reply{Flags: FlagFinished, Host: name})
}

// exchange multicasts one query for name and gathers matching answers until
// timeout, or until the first matching response when first is set.
func (d *Daemon) exchange(ctx context.Context, iface *net.Interface, name string, qtypes []uint16, timeout time.Duration, first bool) ([]dns.RR, error) {
	packet, err := buildQuery(name, qtypes)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conns, err := d.openQueryConns(iface)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}()

	responses := make(chan []dns.RR, 8)
	var wg sync.WaitGroup
	for _, c := range conns {
		if _, err := c.conn.WriteTo(packet, c.group); err != nil {
			log.Printf("mDNS query send on %s failed: %v", c.conn.LocalAddr(), err)
			continue
		}
		wg.Add(1)
		go func(conn net.PacketConn) {
			defer wg.Done()
			readAnswers(ctx, conn, name, qtypes, responses)
		}(c.conn)
	}

	go func() {
		wg.Wait()
		close(responses)
	}()

	var out []dns.RR
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case rrs, ok := <-responses:
			if !ok {
				return out, nil
			}
			for _, rr := range rrs {
				key := rr.String()
				if !seen[key] {
					seen[key] = true
					out = append(out, rr)
				}
			}
			if first && len(out) > 0 {
				return out, nil
			}
		}
	}
}

type queryConn struct {
	conn  net.PacketConn
	group *net.UDPAddr
}

func (d *Daemon) openQueryConns(iface *net.Interface) ([]queryConn, error) {
	var conns []queryConn

	udp4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen udp4: %w", err)
	}
	p4 := ipv4.NewPacketConn(udp4)
	_ = p4.SetMulticastTTL(255)
	if iface != nil {
		_ = p4.SetMulticastInterface(iface)
	}
	conns = append(conns, queryConn{conn: udp4, group: groupV4})

	if d.config.DisableIPv6 {
		return conns, nil
	}

	udp6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		// IPv6 is optional
		log.Printf("mDNS IPv6 query socket unavailable: %v", err)
		return conns, nil
	}
	p6 := ipv6.NewPacketConn(udp6)
	_ = p6.SetMulticastHopLimit(255)
	group := &net.UDPAddr{IP: groupV6.IP, Port: groupV6.Port}
	if iface != nil {
		_ = p6.SetMulticastInterface(iface)
		group.Zone = iface.Name
	}
	conns = append(conns, queryConn{conn: udp6, group: group})

	return conns, nil
}

func readAnswers(ctx context.Context, conn net.PacketConn, name string, qtypes []uint16, out chan<- []dns.RR) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if rrs := matchAnswers(msg, name, qtypes); len(rrs) > 0 {
			select {
			case out <- rrs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// buildQuery packs a multicast DNS question for name
func buildQuery(name string, qtypes []uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.RecursionDesired = false
	for _, qtype := range qtypes {
		msg.Question = append(msg.Question, dns.Question{
			Name:   dns.Fqdn(name),
			Qtype:  qtype,
			Qclass: dns.ClassINET,
		})
	}

	packet, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query for %s: %w", name, err)
	}
	return packet, nil
}

// matchAnswers returns the records of msg that answer name with one of qtypes
func matchAnswers(msg *dns.Msg, name string, qtypes []uint16) []dns.RR {
	if !msg.Response {
		return nil
	}

	want := dns.Fqdn(name)
	var out []dns.RR
	for _, section := range [][]dns.RR{msg.Answer, msg.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if !strings.EqualFold(hdr.Name, want) {
				continue
			}
			for _, qtype := range qtypes {
				if qtype == dns.TypeANY || hdr.Rrtype == qtype {
					out = append(out, rr)
					break
				}
			}
		}
	}
	return out
}

func addresses(records []dns.RR) []net.IP {
	var out []net.IP
	for _, rr := range records {
		switch r := rr.(type) {
		case *dns.A:
			out = append(out, r.A)
		case *dns.AAAA:
			out = append(out, r.AAAA)
		}
	}
	return out
}
