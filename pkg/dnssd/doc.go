// ABOUTME: DNS-SD discovery engine package
// ABOUTME: Browse, resolve and register services over one shared mDNS daemon loop
// Package dnssd is a client-side engine for multicast DNS service discovery.
//
// One background daemon loop is started on first use and stopped when the
// last operation ends. Every browse, resolve, address lookup, record query
// and registration is an independent cancellable stream on top of it.
//
// Example:
//
//	engine := dnssd.New(dnssd.Config{})
//	browser, err := engine.BrowseServices(ctx, "_http._tcp")
//	if err != nil {
//	    return err
//	}
//	defer browser.Cancel()
//	for rec := range browser.Records() {
//	    fmt.Printf("%s at %s:%d %v\n", rec.Name, rec.Hostname, rec.Port, rec.Addresses)
//	}
package dnssd
