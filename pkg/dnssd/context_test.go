// ABOUTME: Test context helper standing in for testing.T.Context on older toolchains
// ABOUTME: The context is cancelled when the test finishes
package dnssd

import (
	"context"
	"testing"
)

// testContext returns a context that is cancelled when the test completes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
