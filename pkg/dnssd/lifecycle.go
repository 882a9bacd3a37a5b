// ABOUTME: Reference-counted start and stop of the native daemon loop
// ABOUTME: One mutex and condition variable guard every state transition
package dnssd

import (
	"log"
	"sync"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

type daemonState int

const (
	stateStopped daemonState = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s daemonState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// daemonControl is the part of the native daemon the lifecycle drives
type daemonControl interface {
	Init() error
	Loop() error
	Exit()
}

// lease is one reference on a running loop
type lease struct {
	id  uint64
	gen uint64
	// done is closed when the loop this lease refers to returns
	done <-chan struct{}
}

type startResult struct {
	lease lease
	err   error
}

// lifecycle keeps the daemon loop alive while at least one lease is held.
// The loop goroutine exists exactly while the state is Running or Stopping.
type lifecycle struct {
	native daemonControl

	mu     sync.Mutex
	cond   *sync.Cond
	state  daemonState
	gen    uint64
	nextID uint64
	leases map[uint64]struct{}
	done   chan struct{}
}

func newLifecycle(native daemonControl) *lifecycle {
	l := &lifecycle{
		native: native,
		leases: make(map[uint64]struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// acquire takes a reference, starting the loop if it is not running. It
// never runs the loop itself.
func (l *lifecycle) acquire() (lease, error) {
	l.mu.Lock()
	for {
		switch l.state {
		case stateRunning:
			ls := l.newLease()
			l.mu.Unlock()
			return ls, nil

		case stateStarting, stateStopping:
			l.cond.Wait()

		case stateStopped:
			l.state = stateStarting
			started := make(chan startResult, 1)
			go l.run(started)
			l.mu.Unlock()

			res := <-started
			if res.err != nil {
				return lease{}, &DaemonInitError{Code: mdnsd.Code(res.err)}
			}
			return res.lease, nil
		}
	}
}

// run owns the loop goroutine for one generation
func (l *lifecycle) run(started chan<- startResult) {
	if err := l.native.Init(); err != nil {
		log.Printf("mDNS daemon init failed: %v", err)
		l.mu.Lock()
		l.state = stateStopped
		l.cond.Broadcast()
		l.mu.Unlock()
		started <- startResult{err: err}
		return
	}

	l.mu.Lock()
	done := make(chan struct{})
	l.done = done
	l.state = stateRunning
	ls := l.newLease()
	l.cond.Broadcast()
	l.mu.Unlock()
	started <- startResult{lease: ls}

	err := l.native.Loop()

	l.mu.Lock()
	if l.state == stateRunning {
		// leases still held refer to a loop that no longer exists
		log.Printf("mDNS daemon loop ended on its own: %v", err)
		l.leases = make(map[uint64]struct{})
		l.gen++
	} else if err != nil {
		log.Printf("mDNS daemon loop returned: %v", err)
	}
	l.state = stateStopped
	l.done = nil
	close(done)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// newLease must be called with mu held and the state Running
func (l *lifecycle) newLease() lease {
	l.nextID++
	l.leases[l.nextID] = struct{}{}
	return lease{id: l.nextID, gen: l.gen, done: l.done}
}

// release drops a reference. The last one asks the loop to exit. Leases
// of a loop that ended on its own are ignored.
func (l *lifecycle) release(ls lease) error {
	l.mu.Lock()

	if ls.gen != l.gen {
		l.mu.Unlock()
		return nil
	}

	if _, ok := l.leases[ls.id]; !ok {
		refs := len(l.leases)
		l.mu.Unlock()
		log.Printf("mDNS daemon over-release (lease %d, %d references held)", ls.id, refs)
		return ErrOverRelease
	}

	delete(l.leases, ls.id)
	if len(l.leases) > 0 {
		l.mu.Unlock()
		return nil
	}

	l.state = stateStopping
	l.cond.Broadcast()
	l.mu.Unlock()

	l.native.Exit()
	return nil
}

func (l *lifecycle) refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases)
}

func (l *lifecycle) current() daemonState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// waitStopped blocks until the loop is fully stopped
func (l *lifecycle) waitStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.state != stateStopped {
		l.cond.Wait()
	}
}
