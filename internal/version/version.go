// ABOUTME: Version information for the dnssd tools
// ABOUTME: Reported by the CLIs and in the feed hello
package version

const (
	// Version is the release version
	Version = "0.1.0"

	// Product is the product name
	Product = "dnssd-go"

	// Manufacturer identifies who builds it
	Manufacturer = "Resonate Protocol"
)
