// ABOUTME: One-shot discovery built on a service browser
// ABOUTME: Returns a sorted snapshot of the services alive at the deadline
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

// DefaultTimeout is used when Discover is given no timeout
const DefaultTimeout = 3 * time.Second

// Discover browses for serviceType for timeout and returns every service
// that appeared and did not go away again, sorted by name.
func Discover(ctx context.Context, engine *dnssd.Engine, serviceType string, timeout time.Duration) ([]dnssd.ServiceRecord, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	browser, err := engine.BrowseServices(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	defer browser.Cancel()

	found := make(map[dnssd.ServiceKey]dnssd.ServiceRecord)
	for rec := range browser.Records() {
		if rec.Lost() {
			delete(found, rec.Key())
			continue
		}
		found[rec.Key()] = rec
	}

	if err := browser.Err(); err != nil {
		return Sorted(found), fmt.Errorf("discover %s: %w", serviceType, err)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Sorted(found), err
	}
	return Sorted(found), nil
}

// Sorted returns the records ordered by name, then interface
func Sorted(records map[dnssd.ServiceKey]dnssd.ServiceRecord) []dnssd.ServiceRecord {
	out := make([]dnssd.ServiceRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].IfIndex < out[j].IfIndex
	})
	return out
}
