// ABOUTME: Unbounded per-subscriber record queue
// ABOUTME: A slow subscriber never stalls the shared scan or its siblings
package discovery

import (
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

type mailbox struct {
	mu     sync.Mutex
	items  []dnssd.ServiceRecord
	closed bool
	err    error

	notify  chan struct{}
	out     chan dnssd.ServiceRecord
	stopped chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify:  make(chan struct{}, 1),
		out:     make(chan dnssd.ServiceRecord),
		stopped: make(chan struct{}),
	}
}

func (mb *mailbox) put(rec dnssd.ServiceRecord) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.items = append(mb.items, rec)
	mb.mu.Unlock()
	mb.wake()
}

// close delivers what is queued, then closes out
func (mb *mailbox) close(err error) {
	mb.mu.Lock()
	if !mb.closed {
		mb.closed = true
		mb.err = err
	}
	mb.mu.Unlock()
	mb.wake()
}

// stop abandons anything queued
func (mb *mailbox) stop() {
	mb.once.Do(func() { close(mb.stopped) })
}

func (mb *mailbox) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *mailbox) error() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.err
}

func (mb *mailbox) run() {
	defer close(mb.out)

	for {
		mb.mu.Lock()
		if len(mb.items) == 0 {
			closed := mb.closed
			mb.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-mb.notify:
				continue
			case <-mb.stopped:
				return
			}
		}
		rec := mb.items[0]
		mb.items = mb.items[1:]
		mb.mu.Unlock()

		select {
		case mb.out <- rec:
		case <-mb.stopped:
			return
		}
	}
}
