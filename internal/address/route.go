package address

import "strings"

// Class is the routing class of a recipient.
type Class int

const (
	Invalid Class = iota
	Local
	Remote
)

func (c Class) String() string {
	switch c {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "invalid"
	}
}

// RelayConfig controls whether mail for non-local domains may be relayed.
type RelayConfig struct {
	Enabled      bool
	LocalDomains []string
}

// Classify returns Local when the address domain is one of localDomains
// (case-insensitive), Remote for any other valid address and Invalid for
// unparseable input or the null address.
func Classify(s string, localDomains []string) Class {
	a, err := Parse(s)
	if err != nil || a.IsNull() {
		return Invalid
	}
	if isLocalDomain(a.Domain, localDomains) {
		return Local
	}
	return Remote
}

// CanRelay reports whether mail to s may be relayed. Relay must be enabled
// and the domain must not be local; local domains are never relayed.
func CanRelay(s string, cfg RelayConfig) bool {
	if !cfg.Enabled {
		return false
	}
	return Classify(s, cfg.LocalDomains) == Remote
}

func isLocalDomain(domain string, localDomains []string) bool {
	for _, d := range localDomains {
		if strings.EqualFold(domain, strings.TrimSpace(d)) {
			return true
		}
	}
	return false
}
