// ABOUTME: One-shot DNS-SD service discovery package
// ABOUTME: Collects the services of one type seen within a time window
// Package discovery finds services on the local network in one call.
//
// It runs a browse on a dnssd.Engine for a fixed time and returns the
// services still present when the time is up.
//
// Example:
//
//	engine := dnssd.New(dnssd.Config{})
//	services, err := discovery.Discover(ctx, engine, "_http._tcp", 5*time.Second)
//	for _, svc := range services {
//	    fmt.Printf("Found: %s at %s:%d\n", svc.Name, svc.Hostname, svc.Port)
//	}
package discovery
