package ldap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeDNValue escapes a DN attribute value according to RFC 4514.
//
// Examples:
//   - "Doe, John" → "Doe\, John"
//   - " John " → "\ John\ "
//   - "#123" → "\#123"
func EscapeDNValue(value string) string {
	if !needsDNEscaping(value) {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

func needsDNEscaping(value string) bool {
	if value == "" {
		return false
	}
	if value[0] == ' ' || value[0] == '#' || value[len(value)-1] == ' ' {
		return true
	}
	return strings.ContainsAny(value, ",+\"\\<>;=\x00")
}

// NormalizeDN returns the comparison key of a DN: attribute types and
// values lowercased, values re-escaped, RDNs joined by ",". Multi-valued
// RDN components are sorted so that "a=1+b=2" and "b=2+a=1" agree.
// The empty DN normalizes to "".
func NormalizeDN(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	return normalizeParsedDN(parsedDN), nil
}

func normalizeParsedDN(parsedDN *ldap.DN) string {
	rdnStrings := make([]string, 0, len(parsedDN.RDNs))
	for _, rdn := range parsedDN.RDNs {
		rdnStrings = append(rdnStrings, normalizeRDN(rdn))
	}
	return strings.Join(rdnStrings, ",")
}

func normalizeRDN(rdn *ldap.RelativeDN) string {
	attrStrings := make([]string, 0, len(rdn.Attributes))
	for _, attr := range rdn.Attributes {
		attrStrings = append(attrStrings,
			strings.ToLower(strings.TrimSpace(attr.Type))+"="+EscapeDNValue(strings.ToLower(strings.TrimSpace(attr.Value))))
	}
	slices.Sort(attrStrings)
	return strings.Join(attrStrings, "+")
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}

// RDNAttributes returns the type/value pairs of the leading RDN of dn,
// unescaped and with their original case.
func RDNAttributes(dn string) ([]*ldap.AttributeTypeAndValue, error) {
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN syntax: %w", err)
	}

	if len(parsedDN.RDNs) == 0 {
		return nil, fmt.Errorf("DN has no RDN: %s", dn)
	}

	return parsedDN.RDNs[0].Attributes, nil
}

// SplitDN separates the leading RDN of dn from its parent, keeping the
// original spelling of both. A single-RDN DN has an empty parent.
func SplitDN(dn string) (rdn, parent string, err error) {
	if _, err := ldap.ParseDN(dn); err != nil {
		return "", "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	escaped := false
	for i, r := range dn {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',' || r == ';':
			return strings.TrimSpace(dn[:i]), strings.TrimSpace(dn[i+1:]), nil
		}
	}

	return strings.TrimSpace(dn), "", nil
}

