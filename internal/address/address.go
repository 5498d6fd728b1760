// Package address validates, normalizes and routes RFC 5321 / RFC 5322
// mailbox addresses.
package address

import (
	"fmt"
	"net/netip"
	"strings"
)

const (
	maxLocalLen  = 64
	maxDomainLen = 255
	maxLabelLen  = 63
	maxPathLen   = 254
)

// InvalidAddressError reports an address that cannot be used. It is a
// permanent rejection.
type InvalidAddressError struct {
	Input  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Reason)
}

// Address is a parsed mailbox. The zero value is the null sender <>.
type Address struct {
	// Local is the local part as written, including quotes when quoted.
	Local  string
	Domain string

	DisplayName string
}

// IsNull reports whether the address is the null reverse-path <>.
func (a Address) IsNull() bool {
	return a.Local == "" && a.Domain == ""
}

// String returns the canonical local@domain form with the domain lowercased.
// The null address renders as "".
func (a Address) String() string {
	if a.IsNull() {
		return ""
	}
	return a.Local + "@" + strings.ToLower(a.Domain)
}

// Parse parses a mailbox in any of the forms "local@domain", "<local@domain>",
// "Name <local@domain>" or "\"Name\" <local@domain>". The null sender "<>"
// parses to the zero Address.
func Parse(s string) (Address, error) {
	input := s
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, &InvalidAddressError{Input: input, Reason: "empty address"}
	}

	display, addr, err := splitDisplayName(s)
	if err != nil {
		return Address{}, &InvalidAddressError{Input: input, Reason: err.Error()}
	}
	if addr == "" {
		return Address{DisplayName: display}, nil
	}

	at := separatorIndex(addr)
	if at < 0 {
		return Address{}, &InvalidAddressError{Input: input, Reason: "missing @"}
	}
	local, domain := addr[:at], addr[at+1:]

	if len(addr) > maxPathLen {
		return Address{}, &InvalidAddressError{Input: input, Reason: fmt.Sprintf("address longer than %d octets", maxPathLen)}
	}
	if err := validateLocal(local); err != nil {
		return Address{}, &InvalidAddressError{Input: input, Reason: err.Error()}
	}
	if err := validateDomain(domain); err != nil {
		return Address{}, &InvalidAddressError{Input: input, Reason: err.Error()}
	}

	return Address{Local: local, Domain: domain, DisplayName: display}, nil
}

// IsValid reports whether s parses. The null sender is valid.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Normalize returns the bare address with local part and domain lowercased.
// The null sender normalizes to "<>". ok is false for unparseable input.
func Normalize(s string) (normalized string, ok bool) {
	a, err := Parse(s)
	if err != nil {
		return "", false
	}
	if a.IsNull() {
		return "<>", true
	}
	return strings.ToLower(a.Local) + "@" + strings.ToLower(a.Domain), true
}

// splitDisplayName strips an optional display name and one layer of angle
// brackets. The returned address is empty for "<>".
func splitDisplayName(s string) (display, addr string, err error) {
	if !strings.HasSuffix(s, ">") {
		if strings.ContainsAny(s, "<>") && !quotedOnly(s, "<>") {
			return "", "", fmt.Errorf("unbalanced angle brackets")
		}
		return "", s, nil
	}

	open := -1
	inQuote := false
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				open = i
			}
		}
	}
	if open < 0 {
		return "", "", fmt.Errorf("unbalanced angle brackets")
	}

	addr = s[open+1 : len(s)-1]
	if strings.ContainsAny(addr, "<>") && !quotedOnly(addr, "<>") {
		return "", "", fmt.Errorf("nested angle brackets")
	}

	display = strings.TrimSpace(s[:open])
	if len(display) >= 2 && display[0] == '"' && display[len(display)-1] == '"' {
		display = strings.ReplaceAll(display[1:len(display)-1], `\"`, `"`)
	}
	return display, addr, nil
}

// quotedOnly reports whether every occurrence of chars in s is inside a
// quoted string.
func quotedOnly(s, chars string) bool {
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && strings.IndexByte(chars, c) >= 0:
			return false
		}
	}
	return true
}

// separatorIndex returns the index of the last '@' outside quotes, or -1.
func separatorIndex(addr string) int {
	at := -1
	inQuote := false
	for i := 0; i < len(addr); i++ {
		switch addr[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case '@':
			if !inQuote {
				at = i
			}
		}
	}
	return at
}

func validateLocal(local string) error {
	if local == "" {
		return fmt.Errorf("empty local part")
	}
	if len(local) > maxLocalLen {
		return fmt.Errorf("local part longer than %d octets", maxLocalLen)
	}

	if local[0] == '"' {
		return validateQuotedLocal(local)
	}

	if local[0] == '.' || local[len(local)-1] == '.' {
		return fmt.Errorf("local part starts or ends with a dot")
	}
	if strings.Contains(local, "..") {
		return fmt.Errorf("local part contains consecutive dots")
	}
	for i := 0; i < len(local); i++ {
		if c := local[i]; c != '.' && !isAtext(c) {
			return fmt.Errorf("invalid character %q in local part", c)
		}
	}
	return nil
}

// validateQuotedLocal checks a quoted-string local part. Any printable ASCII
// is allowed inside the quotes; backslash escapes the next character.
func validateQuotedLocal(local string) error {
	if len(local) < 2 || local[len(local)-1] != '"' {
		return fmt.Errorf("unterminated quoted local part")
	}
	inner := local[1 : len(local)-1]
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case c == '\\':
			if i+1 >= len(inner) {
				return fmt.Errorf("dangling escape in quoted local part")
			}
			i++
		case c == '"':
			return fmt.Errorf("unescaped quote in quoted local part")
		case c == ' ' || c == '\t' || (c >= 33 && c <= 126):
		default:
			return fmt.Errorf("invalid character %q in quoted local part", c)
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	if domain[0] == '[' {
		return validateLiteral(domain)
	}
	if len(domain) > maxDomainLen {
		return fmt.Errorf("domain longer than %d octets", maxDomainLen)
	}

	// Domain must not start or end with dot or hyphen
	switch {
	case strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, "."):
		return fmt.Errorf("domain starts or ends with a dot")
	case strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-"):
		return fmt.Errorf("domain starts or ends with a hyphen")
	case strings.Contains(domain, ".."):
		return fmt.Errorf("domain contains consecutive dots")
	}

	for _, label := range strings.Split(domain, ".") {
		if err := validateLabel(label); err != nil {
			return err
		}
	}
	return nil
}

// validateLabel enforces [A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?.
func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty domain label")
	}
	if len(label) > maxLabelLen {
		return fmt.Errorf("domain label %q longer than %d octets", label, maxLabelLen)
	}
	if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
		return fmt.Errorf("domain label %q must start and end with a letter or digit", label)
	}
	for i := 0; i < len(label); i++ {
		if c := label[i]; !isAlphanumeric(c) && c != '-' {
			return fmt.Errorf("invalid character %q in domain label", c)
		}
	}
	return nil
}

// validateLiteral accepts [192.0.2.1] and [IPv6:2001:db8::1].
func validateLiteral(domain string) error {
	if !strings.HasSuffix(domain, "]") {
		return fmt.Errorf("unclosed address literal")
	}
	inner := domain[1 : len(domain)-1]

	if len(inner) > 5 && strings.EqualFold(inner[:5], "IPv6:") {
		ip, err := netip.ParseAddr(inner[5:])
		if err != nil || !ip.Is6() {
			return fmt.Errorf("invalid IPv6 address literal")
		}
		return nil
	}

	ip, err := netip.ParseAddr(inner)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid IPv4 address literal")
	}
	return nil
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// isAtext reports whether c is an RFC 5322 atext character.
func isAtext(c byte) bool {
	if isAlphanumeric(c) {
		return true
	}
	return strings.IndexByte("!#$%&'*+-/=?^_`{|}~", c) >= 0
}
