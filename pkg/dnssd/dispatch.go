// ABOUTME: Routes native replies on the daemon loop to the operation owning the ref
// ABOUTME: Unregistering waits out an in-flight delivery so no handler runs afterwards
package dnssd

import (
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

type handler func(reply mdnsd.Reply)

type dispatchEntry struct {
	mu      sync.Mutex
	removed bool
	handle  handler
}

type dispatchTable struct {
	mu      sync.RWMutex
	entries map[mdnsd.Ref]*dispatchEntry
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{entries: make(map[mdnsd.Ref]*dispatchEntry)}
}

func (t *dispatchTable) register(ref mdnsd.Ref, h handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[ref]; ok {
		return ErrDuplicateHandle
	}
	t.entries[ref] = &dispatchEntry{handle: h}
	return nil
}

// dispatch runs on the loop goroutine. Unknown refs are dropped.
func (t *dispatchTable) dispatch(ref mdnsd.Ref, reply mdnsd.Reply) {
	t.mu.RLock()
	entry, ok := t.entries[ref]
	t.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.removed {
		entry.handle(reply)
	}
}

// unregister must not be called from inside a handler
func (t *dispatchTable) unregister(ref mdnsd.Ref) {
	t.mu.Lock()
	entry, ok := t.entries[ref]
	delete(t.entries, ref)
	t.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()
}

func (t *dispatchTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
