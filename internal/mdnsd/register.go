// ABOUTME: Service registration through a hashicorp/mdns responder
// ABOUTME: Probes for a same-named instance first and reports conflicts instead of renaming
package mdnsd

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/mdns"
)

// Register advertises svc. The single reply is either FlagAdd with the
// advertised name or an error such as ErrNameConflict. The service stays
// advertised until the operation is cancelled.
func (d *Daemon) Register(svc Service, cb Callback) (Ref, error) {
	if svc.Name == "" || NormalizeType(svc.RegType) == "" || svc.Port <= 0 || svc.Port > 65535 {
		return Ref{}, ErrBadParam
	}

	op, err := d.start("register", svc.IfIndex, cb)
	if err != nil {
		return Ref{}, err
	}

	go d.register(op, svc)
	return op.ref, nil
}

func (d *Daemon) register(op *operation, svc Service) {
	regType := NormalizeType(svc.RegType)
	domain := NormalizeDomain(svc.Domain)
	reply := Reply{Name: svc.Name, RegType: regType, Domain: domain, Port: svc.Port}

	host := svc.Host
	if host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		host = strings.SplitN(hostname, ".", 2)[0] + "." + domain
	}
	reply.Host = dnsName(host)

	conflict, err := d.probe(op.ctx, op.iface, svc.Name, regType, domain, reply.Host, svc.Port)
	if op.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("Probe for %q failed, registering anyway: %v", svc.Name, err)
	}
	if conflict {
		log.Printf("Name conflict for %q in %s", svc.Name, regType)
		d.fail(op, ErrNameConflict, reply)
		return
	}

	ips := svc.IPs
	if len(ips) == 0 {
		ips, err = localIPs(d.config.DisableIPv6)
		if err != nil || len(ips) == 0 {
			log.Printf("No local addresses to advertise %q: %v", svc.Name, err)
			d.fail(op, ErrUnknown, reply)
			return
		}
	}

	zone, err := mdns.NewMDNSService(svc.Name, trimDot(regType), trimDot(domain), reply.Host, svc.Port, ips, svc.TXT)
	if err != nil {
		log.Printf("Invalid service %q: %v", svc.Name, err)
		d.fail(op, ErrBadParam, reply)
		return
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: zone, Iface: op.iface})
	if err != nil {
		log.Printf("Failed to start responder for %q: %v", svc.Name, err)
		d.fail(op, ErrUnknown, reply)
		return
	}

	if !d.attach(op, server) {
		_ = server.Shutdown()
		return
	}

	log.Printf("Advertising %s on port %d (type: %s)", svc.Name, svc.Port, regType)
	reply.Flags = FlagAdd
	d.deliver(op, reply)
}

// probe looks for another responder already answering for name. Our own
// earlier advertisement (same host and port) is not a conflict.
func (d *Daemon) probe(ctx context.Context, iface *net.Interface, name, regType, domain, host string, port int) (bool, error) {
	found, err := d.query(ctx, iface, regType, domain, d.config.ProbeTimeout)
	if err != nil {
		return false, err
	}

	for instance, entry := range found {
		if !strings.EqualFold(instance, name) {
			continue
		}
		if strings.EqualFold(dnsName(entry.Host), host) && entry.Port == port {
			continue
		}
		return true, nil
	}
	return false, nil
}

func dnsName(host string) string {
	return strings.ToLower(trimDot(host)) + "."
}

// localIPs returns the unicast addresses of all up, non-loopback interfaces
func localIPs(disableIPv6 bool) ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			} else if !disableIPv6 && ipnet.IP.IsGlobalUnicast() {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
