// ABOUTME: One-shot DNS-SD record and address queries
// ABOUTME: Prints raw records for a name, or the addresses of a host
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	"github.com/miekg/dns"
)

var (
	name    = flag.String("name", "_services._dns-sd._udp.local.", "Full record name to query")
	rrType  = flag.String("rrtype", "PTR", "Record type (PTR, SRV, TXT, A, AAAA, ...)")
	host    = flag.String("host", "", "Resolve the addresses of this host instead")
	iface   = flag.String("iface", "", "Query on one network interface only")
	timeout = flag.Duration("timeout", 3*time.Second, "How long to collect answers")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	qtype, ok := dns.StringToType[strings.ToUpper(*rrType)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown record type %q\n", *rrType)
		os.Exit(2)
	}

	engine := dnssd.NewEngine(mdnsd.New(mdnsd.Config{Interface: *iface}), dnssd.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var op *dnssd.Operation
	if *host != "" {
		fmt.Printf("Resolving addresses of %s...\n", *host)
		op = engine.ResolveAddress(ctx, 0, *host)
	} else {
		fmt.Printf("Querying %s %s...\n", dns.Fqdn(*name), dns.TypeToString[qtype])
		op = engine.QueryRecord(ctx, 0, dns.Fqdn(*name), qtype)
	}
	defer op.Cancel()

	answers := 0
	for ev := range op.Events() {
		switch ev.Kind {
		case dnssd.EventFound:
			answers++
			fmt.Println(describe(ev))
		case dnssd.EventLost:
			fmt.Printf("gone: %s\n", describe(ev))
		case dnssd.EventError:
			log.Fatalf("Query failed: %v", ev.Err)
		case dnssd.EventCompleted:
			fmt.Printf("Done, %d answers\n", answers)
			return
		}
	}

	if err := op.Err(); err != nil && ctx.Err() == nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("Timed out after %v, %d answers\n", *timeout, answers)
}

func describe(ev dnssd.Event) string {
	if ev.RR != nil {
		return ev.RR.String()
	}

	addrs := make([]string, 0, len(ev.Record.Addresses))
	for _, ip := range ev.Record.Addresses {
		addrs = append(addrs, ip.String())
	}
	return fmt.Sprintf("%s\t%s", ev.Record.Hostname, strings.Join(addrs, " "))
}
