// ABOUTME: Service record model shared by browse results and registrations
// ABOUTME: Tracks which parts of a record are known so partial results stay honest
package dnssd

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// RecordFlags tell which parts of a ServiceRecord are known
type RecordFlags uint8

const (
	// FlagResolved means Hostname, Port and TXT are known
	FlagResolved RecordFlags = 1 << iota
	// FlagAddressResolved means Addresses are known
	FlagAddressResolved
	// FlagLost means the service went away; the rest is the last known state
	FlagLost
)

func (f RecordFlags) String() string {
	var parts []string
	if f&FlagResolved != 0 {
		parts = append(parts, "resolved")
	}
	if f&FlagAddressResolved != 0 {
		parts = append(parts, "addressed")
	}
	if f&FlagLost != 0 {
		parts = append(parts, "lost")
	}
	if len(parts) == 0 {
		return "browsed"
	}
	return strings.Join(parts, "|")
}

// ServiceKey identifies one service instance on one interface
type ServiceKey struct {
	Name    string
	RegType string
	Domain  string
	IfIndex int
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s.%s%s#%d", k.Name, k.RegType, k.Domain, k.IfIndex)
}

// ServiceRecord describes one discovered or advertised service instance.
// Nil TXT or Addresses mean "not known yet", not "empty".
type ServiceRecord struct {
	Name      string
	RegType   string
	Domain    string
	IfIndex   int
	Hostname  string
	Port      int
	TXT       TXTRecord
	Addresses []net.IP
	Flags     RecordFlags
}

// Key returns the identity of the record
func (r ServiceRecord) Key() ServiceKey {
	return ServiceKey{Name: r.Name, RegType: r.RegType, Domain: r.Domain, IfIndex: r.IfIndex}
}

// Resolved reports whether host, port and TXT are known
func (r ServiceRecord) Resolved() bool {
	return r.Flags&FlagResolved != 0
}

// AddressResolved reports whether addresses are known
func (r ServiceRecord) AddressResolved() bool {
	return r.Flags&FlagAddressResolved != 0
}

// Lost reports whether the record announces a vanished service
func (r ServiceRecord) Lost() bool {
	return r.Flags&FlagLost != 0
}

// clone deep-copies r so the copy can cross goroutines
func (r ServiceRecord) clone() ServiceRecord {
	if r.TXT != nil {
		txt := make(TXTRecord, len(r.TXT))
		for k, v := range r.TXT {
			if v != nil {
				v = append([]byte{}, v...)
			}
			txt[k] = v
		}
		r.TXT = txt
	}
	if r.Addresses != nil {
		addrs := make([]net.IP, len(r.Addresses))
		copy(addrs, r.Addresses)
		r.Addresses = addrs
	}
	return r
}

// validate checks a record before registration
func (r ServiceRecord) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidRecord)
	case len(r.Name) > 63:
		return fmt.Errorf("%w: name %q longer than 63 bytes", ErrInvalidRecord, r.Name)
	case r.RegType == "":
		return fmt.Errorf("%w: empty service type", ErrInvalidRecord)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRecord, r.Port)
	}
	for key := range r.TXT {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("%w: bad TXT key %q", ErrInvalidRecord, key)
		}
	}
	return nil
}

// TXTRecord holds DNS-SD key/value attributes. A nil value is a boolean
// attribute (key present without '=').
type TXTRecord map[string][]byte

// ParseTXT decodes "key=value" strings. Keys compare case-insensitively and
// the first occurrence wins.
func ParseTXT(fields []string) TXTRecord {
	txt := make(TXTRecord, len(fields))
	seen := make(map[string]bool, len(fields))

	for _, field := range fields {
		key, value, hasValue := strings.Cut(field, "=")
		if key == "" {
			continue
		}
		lower := strings.ToLower(key)
		if seen[lower] {
			continue
		}
		seen[lower] = true

		if hasValue {
			txt[key] = []byte(value)
		} else {
			txt[key] = nil
		}
	}
	return txt
}

// Strings encodes the record as "key=value" strings sorted by key
func (t TXTRecord) Strings() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if t[k] == nil {
			out = append(out, k)
		} else {
			out = append(out, k+"="+string(t[k]))
		}
	}
	return out
}

// Get returns the value for key, matching case-insensitively
func (t TXTRecord) Get(key string) ([]byte, bool) {
	if v, ok := t[key]; ok {
		return v, true
	}
	for k, v := range t {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// NextName returns the name to try after a conflict: "Foo" becomes
// "Foo (2)" and "Foo (2)" becomes "Foo (3)".
func NextName(name string) string {
	if strings.HasSuffix(name, ")") {
		if open := strings.LastIndex(name, " ("); open > 0 {
			n, err := strconv.Atoi(name[open+2 : len(name)-1])
			if err == nil && n >= 2 {
				return fmt.Sprintf("%s (%d)", name[:open], n+1)
			}
		}
	}
	return name + " (2)"
}
