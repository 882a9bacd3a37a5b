// ABOUTME: Callback payloads and handles for daemon operations
// ABOUTME: Every primitive reports through a Callback carrying a Reply
package mdnsd

import (
	"net"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// Ref identifies one running daemon operation
type Ref uuid.UUID

func newRef() Ref {
	return Ref(uuid.New())
}

// IsZero reports whether r was never assigned
func (r Ref) IsZero() bool {
	return r == Ref{}
}

func (r Ref) String() string {
	return uuid.UUID(r).String()
}

// Flags qualify a Reply
type Flags uint32

const (
	// FlagMoreComing means another reply is already queued behind this one
	FlagMoreComing Flags = 0x1

	// FlagAdd marks an appearing (or updated) result; its absence on a
	// browse or address reply means the result went away
	FlagAdd Flags = 0x2

	// FlagFinished is sent once by operations that end on their own
	FlagFinished Flags = 0x100
)

// Reply is the single payload type for all operation callbacks. Which
// fields are filled depends on the primitive that produced it.
type Reply struct {
	Flags   Flags
	IfIndex int
	Err     ErrorCode

	// Service identity (browse, resolve, register)
	Name    string
	RegType string
	Domain  string

	// Resolve and address results
	Host  string
	Port  int
	TXT   []string
	Addrs []net.IP

	// Raw records (record query)
	Records []dns.RR
}

// Callback receives replies on the daemon loop goroutine. It must not block.
type Callback func(ref Ref, reply Reply)

// Service describes a service to advertise
type Service struct {
	Name    string
	RegType string
	Domain  string
	Host    string // defaults to <hostname>.local.
	Port    int
	TXT     []string
	IPs     []net.IP // defaults to the addresses of all up interfaces
	IfIndex int
}
