// ABOUTME: Service feed message type definitions
// ABOUTME: JSON frames exchanged between a feed server and its viewers
package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"

	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

// Version of the feed protocol
const Version = 1

// Message types
const (
	TypeServerHello  = "server/hello"
	TypeServiceFound = "service/found"
	TypeServiceLost  = "service/lost"
	TypeBrowseError  = "browse/error"
)

// Message is the top-level wrapper for all feed messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage wraps payload in a Message
func NewMessage(msgType string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: data}, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ServerHello is the first frame a feed server sends
type ServerHello struct {
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	ServiceType string `json:"service_type"`
}

// ServiceInfo describes one service on the wire
type ServiceInfo struct {
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Domain          string            `json:"domain"`
	Interface       int               `json:"interface"`
	Host            string            `json:"host,omitempty"`
	Port            int               `json:"port,omitempty"`
	TXT             map[string]string `json:"txt,omitempty"`
	Addresses       []string          `json:"addresses,omitempty"`
	Resolved        bool              `json:"resolved"`
	AddressResolved bool              `json:"address_resolved"`
}

// BrowseError reports that the feed's browse ended
type BrowseError struct {
	Message string `json:"message"`
	Code    int32  `json:"code,omitempty"`
}

// FromRecord converts a service record for the wire
func FromRecord(rec dnssd.ServiceRecord) ServiceInfo {
	info := ServiceInfo{
		Name:            rec.Name,
		Type:            rec.RegType,
		Domain:          rec.Domain,
		Interface:       rec.IfIndex,
		Host:            rec.Hostname,
		Port:            rec.Port,
		Resolved:        rec.Resolved(),
		AddressResolved: rec.AddressResolved(),
	}

	if rec.TXT != nil {
		info.TXT = make(map[string]string, len(rec.TXT))
		for k, v := range rec.TXT {
			info.TXT[k] = string(v)
		}
	}

	for _, ip := range rec.Addresses {
		info.Addresses = append(info.Addresses, ip.String())
	}
	sort.Strings(info.Addresses)

	return info
}

// Record converts wire data back into a service record. Boolean TXT
// attributes come back as empty values.
func (s ServiceInfo) Record() dnssd.ServiceRecord {
	rec := dnssd.ServiceRecord{
		Name:     s.Name,
		RegType:  s.Type,
		Domain:   s.Domain,
		IfIndex:  s.Interface,
		Hostname: s.Host,
		Port:     s.Port,
	}

	if s.Resolved {
		rec.Flags |= dnssd.FlagResolved
		rec.TXT = make(dnssd.TXTRecord, len(s.TXT))
		for k, v := range s.TXT {
			rec.TXT[k] = []byte(v)
		}
	}

	if s.AddressResolved {
		rec.Flags |= dnssd.FlagAddressResolved
		rec.Addresses = make([]net.IP, 0, len(s.Addresses))
		for _, a := range s.Addresses {
			if ip := net.ParseIP(a); ip != nil {
				rec.Addresses = append(rec.Addresses, ip)
			}
		}
	}

	return rec
}
