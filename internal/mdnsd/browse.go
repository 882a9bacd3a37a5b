// ABOUTME: Browse and resolve primitives built on hashicorp/mdns queries
// ABOUTME: Browse repeats query rounds and reports appearing, changed and vanished names
package mdnsd

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
)

// Browse reports instances of regType in domain. Replies carry FlagAdd when
// an instance appears or its data changes and no FlagAdd when it is gone.
// Browsing ServiceTypeEnumeration reports service types instead, with the
// type (e.g. "_http._tcp") as Name.
func (d *Daemon) Browse(ifIndex int, regType, domain string, cb Callback) (Ref, error) {
	if NormalizeType(regType) == "" {
		return Ref{}, ErrBadParam
	}

	op, err := d.start("browse", ifIndex, cb)
	if err != nil {
		return Ref{}, err
	}

	go d.browse(op, NormalizeType(regType), NormalizeDomain(domain))
	return op.ref, nil
}

// sighting tracks one instance across browse rounds
type sighting struct {
	signature string
	missed    int
}

func (d *Daemon) browse(op *operation, regType, domain string) {
	log.Printf("Browse started for %s in %s", regType, domain)
	seen := make(map[string]*sighting)

	round := func() (map[string]string, error) {
		found, err := d.query(op.ctx, op.iface, regType, domain, d.config.QueryTimeout)
		if err != nil {
			return nil, err
		}
		sigs := make(map[string]string, len(found))
		for name, entry := range found {
			sigs[name] = signature(entry)
		}
		return sigs, nil
	}
	if regType == ServiceTypeEnumeration {
		round = func() (map[string]string, error) {
			return d.enumerateTypes(op.ctx, op.iface, domain)
		}
	}

	for {
		found, err := round()
		if op.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("Browse for %s failed: %v", regType, err)
			d.fail(op, ErrUnknown, Reply{RegType: regType, Domain: domain})
			return
		}

		added, removed := diffRound(seen, found, d.config.LostAfter)
		for _, name := range added {
			d.deliver(op, Reply{Flags: FlagAdd, Name: name, RegType: regType, Domain: domain})
		}
		for _, name := range removed {
			d.deliver(op, Reply{Name: name, RegType: regType, Domain: domain})
		}

		select {
		case <-op.ctx.Done():
			return
		case <-time.After(d.config.BrowseInterval):
		}
	}
}

// diffRound folds one round of answers (name to signature) into seen. It
// returns names that are new or changed, and names missed lostAfter rounds
// in a row, both sorted.
func diffRound(seen map[string]*sighting, found map[string]string, lostAfter int) (added, removed []string) {
	for name, sig := range found {
		if s, ok := seen[name]; ok && s.signature == sig {
			s.missed = 0
			continue
		}
		seen[name] = &sighting{signature: sig}
		added = append(added, name)
	}

	for name, s := range seen {
		if _, ok := found[name]; ok {
			continue
		}
		s.missed++
		if s.missed >= lostAfter {
			delete(seen, name)
			removed = append(removed, name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// enumerateTypes asks for the service types registered in domain
func (d *Daemon) enumerateTypes(ctx context.Context, iface *net.Interface, domain string) (map[string]string, error) {
	records, err := d.exchange(ctx, iface, ServiceTypeEnumeration+"."+domain, []uint16{dns.TypePTR}, d.config.QueryTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("mdns query %s: %w", ServiceTypeEnumeration, err)
	}
	return serviceTypes(records, domain), nil
}

// serviceTypes maps the PTR targets of an enumeration answer to bare types.
// Goodbye records and targets outside domain are skipped.
func serviceTypes(records []dns.RR, domain string) map[string]string {
	suffix := "." + NormalizeDomain(domain)
	types := make(map[string]string)

	for _, rr := range records {
		ptr, ok := rr.(*dns.PTR)
		if !ok || ptr.Hdr.Ttl == 0 {
			continue
		}
		target := strings.ToLower(dns.Fqdn(ptr.Ptr))
		if !strings.HasSuffix(target, suffix) {
			continue
		}
		if t := NormalizeType(strings.TrimSuffix(target, suffix)); t != "" {
			types[t] = ""
		}
	}
	return types
}

// Resolve looks up host, port and TXT data of one service instance. It sends
// one reply followed by FlagFinished, or ErrTimeout.
func (d *Daemon) Resolve(ifIndex int, name, regType, domain string, cb Callback) (Ref, error) {
	if name == "" || NormalizeType(regType) == "" {
		return Ref{}, ErrBadParam
	}

	op, err := d.start("resolve", ifIndex, cb)
	if err != nil {
		return Ref{}, err
	}

	go d.resolve(op, name, NormalizeType(regType), NormalizeDomain(domain))
	return op.ref, nil
}

func (d *Daemon) resolve(op *operation, name, regType, domain string) {
	reply := Reply{Name: name, RegType: regType, Domain: domain}

	if entry, ok := d.entries.Get(cacheKey(FullName(name, regType, domain))); ok {
		d.resolved(op, reply, entry)
		return
	}

	deadline := time.Now().Add(d.config.ResolveTimeout)
	for time.Now().Before(deadline) {
		found, err := d.query(op.ctx, op.iface, regType, domain, d.config.QueryTimeout)
		if op.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("Resolve of %q failed: %v", name, err)
			d.fail(op, ErrUnknown, reply)
			return
		}
		if entry, ok := found[name]; ok {
			d.resolved(op, reply, entry)
			return
		}
	}

	d.fail(op, ErrTimeout, reply)
}

func (d *Daemon) resolved(op *operation, reply Reply, entry *mdns.ServiceEntry) {
	reply.Flags = FlagAdd
	reply.Host = entry.Host
	reply.Port = entry.Port
	reply.TXT = append([]string(nil), entry.InfoFields...)
	d.deliver(op, reply)
	d.deliver(op, Reply{Flags: FlagFinished, Name: reply.Name, RegType: reply.RegType, Domain: reply.Domain})
}

// query runs one hashicorp/mdns query round and returns the answers keyed by
// instance name. Every answer refreshes the entry and host caches.
func (d *Daemon) query(ctx context.Context, iface *net.Interface, regType, domain string, timeout time.Duration) (map[string]*mdns.ServiceEntry, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]*mdns.ServiceEntry)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			name, ok := InstanceName(entry.Name, regType, domain)
			if !ok {
				continue
			}
			found[name] = entry
			d.remember(cacheKey(FullName(name, regType, domain)), entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:     trimDot(regType),
		Domain:      trimDot(domain),
		Timeout:     timeout,
		Interface:   iface,
		Entries:     entries,
		DisableIPv6: d.config.DisableIPv6,
	}
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done

	if err != nil {
		return nil, fmt.Errorf("mdns query %s: %w", regType, err)
	}
	return found, nil
}

func (d *Daemon) remember(key string, entry *mdns.ServiceEntry) {
	d.entries.Add(key, entry)

	if entry.Host == "" {
		return
	}

	var addrs []net.IP
	if entry.AddrV4 != nil {
		addrs = append(addrs, entry.AddrV4)
	}
	if entry.AddrV6 != nil && !d.config.DisableIPv6 {
		addrs = append(addrs, entry.AddrV6)
	}
	if len(addrs) > 0 {
		d.hosts.Add(cacheKey(entry.Host), addrs)
	}
}

// signature changes whenever anything a resolve would report changes
func signature(entry *mdns.ServiceEntry) string {
	return fmt.Sprintf("%s|%d|%s", strings.ToLower(entry.Host), entry.Port, strings.Join(entry.InfoFields, "\x00"))
}
