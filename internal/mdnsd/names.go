// ABOUTME: Service name helpers for DNS-SD instance names
// ABOUTME: Splits, joins and unescapes <instance>.<type>.<domain> names
package mdnsd

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

func trimDot(s string) string {
	return strings.Trim(s, ".")
}

// NormalizeDomain returns domain as an FQDN, defaulting to local.
func NormalizeDomain(domain string) string {
	if trimDot(domain) == "" {
		return DefaultDomain
	}
	return dns.Fqdn(strings.ToLower(trimDot(domain)))
}

// NormalizeType returns a service type without the trailing dot, e.g. _http._tcp
func NormalizeType(regType string) string {
	return strings.ToLower(trimDot(regType))
}

// FullName joins an instance name, type and domain into an escaped FQDN
func FullName(name, regType, domain string) string {
	return escapeLabel(name) + "." + NormalizeType(regType) + "." + NormalizeDomain(domain)
}

// InstanceName extracts the instance label from a service FQDN as returned
// by the network. ok is false if the FQDN is not of regType in domain.
func InstanceName(fqdn, regType, domain string) (string, bool) {
	suffix := "." + NormalizeType(regType) + "." + NormalizeDomain(domain)
	name := dns.Fqdn(fqdn)
	if len(name) <= len(suffix) || !strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return "", false
	}
	return unescapeLabel(name[:len(name)-len(suffix)]), true
}

func escapeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch r {
		case '.', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unescapeLabel reverses the presentation escaping of miekg/dns: \X and \DDD
func unescapeLabel(label string) string {
	if !strings.Contains(label, `\`) {
		return label
	}

	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			if n, err := strconv.Atoi(label[i+1 : i+4]); err == nil && n < 256 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func cacheKey(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
