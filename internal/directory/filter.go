package directory

import (
	"fmt"
	"strconv"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Filter is a compiled search filter.
type Filter interface {
	Match(entry *Entry) bool
}

type andFilter []Filter

func (f andFilter) Match(entry *Entry) bool {
	for _, sub := range f {
		if !sub.Match(entry) {
			return false
		}
	}
	return true
}

type orFilter []Filter

func (f orFilter) Match(entry *Entry) bool {
	for _, sub := range f {
		if sub.Match(entry) {
			return true
		}
	}
	return false
}

type notFilter struct{ inner Filter }

func (f notFilter) Match(entry *Entry) bool { return !f.inner.Match(entry) }

type presentFilter struct{ attribute string }

func (f presentFilter) Match(entry *Entry) bool {
	if attributeKey(f.attribute) == "objectclass" {
		return true
	}
	return entry.Has(f.attribute)
}

type equalityFilter struct{ attribute, value string }

func (f equalityFilter) Match(entry *Entry) bool {
	return entry.HasValue(f.attribute, f.value)
}

type approxFilter struct{ attribute, value string }

func (f approxFilter) Match(entry *Entry) bool {
	want := squash(f.value)
	for _, v := range entry.Values(f.attribute) {
		if squash(v) == want {
			return true
		}
	}
	return false
}

// squash folds case and drops whitespace for approximate matching.
func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

type orderingFilter struct {
	attribute, value string
	greater          bool
}

func (f orderingFilter) Match(entry *Entry) bool {
	for _, v := range entry.Values(f.attribute) {
		c := compareValues(v, f.value)
		if (f.greater && c >= 0) || (!f.greater && c <= 0) {
			return true
		}
	}
	return false
}

// compareValues orders integers numerically and everything else by
// case-folded string comparison, which also orders GeneralizedTime.
func compareValues(a, b string) int {
	ai, errA := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	bi, errB := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

type substringFilter struct {
	attribute string
	initial   string
	any       []string
	final     string
}

func (f substringFilter) Match(entry *Entry) bool {
	for _, v := range entry.Values(f.attribute) {
		if f.matchValue(strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func (f substringFilter) matchValue(v string) bool {
	if !strings.HasPrefix(v, f.initial) {
		return false
	}
	v = v[len(f.initial):]

	for _, part := range f.any {
		i := strings.Index(v, part)
		if i < 0 {
			return false
		}
		v = v[i+len(part):]
	}

	return strings.HasSuffix(v, f.final)
}

// CompileFilter parses an RFC 4515 filter string.
func CompileFilter(filter string) (Filter, error) {
	packet, err := ldap.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	return FilterFromPacket(packet)
}

// FilterFromPacket builds a Filter from the BER encoding of a search
// request filter. Extensible matches are rejected.
func FilterFromPacket(packet *ber.Packet) (Filter, error) {
	if packet == nil || packet.ClassType != ber.ClassContext {
		return nil, resultError(ldap.LDAPResultProtocolError, "", "malformed filter")
	}

	switch packet.Tag {
	case ldap.FilterAnd, ldap.FilterOr:
		subs := make([]Filter, 0, len(packet.Children))
		for _, child := range packet.Children {
			sub, err := FilterFromPacket(child)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if packet.Tag == ldap.FilterAnd {
			return andFilter(subs), nil
		}
		return orFilter(subs), nil

	case ldap.FilterNot:
		if len(packet.Children) != 1 {
			return nil, resultError(ldap.LDAPResultProtocolError, "", "malformed not filter")
		}
		inner, err := FilterFromPacket(packet.Children[0])
		if err != nil {
			return nil, err
		}
		return notFilter{inner: inner}, nil

	case ldap.FilterPresent:
		return presentFilter{attribute: packetString(packet)}, nil

	case ldap.FilterEqualityMatch, ldap.FilterApproxMatch, ldap.FilterGreaterOrEqual, ldap.FilterLessOrEqual:
		if len(packet.Children) != 2 {
			return nil, resultError(ldap.LDAPResultProtocolError, "", "malformed assertion")
		}
		attribute, value := packetString(packet.Children[0]), packetString(packet.Children[1])
		switch packet.Tag {
		case ldap.FilterEqualityMatch:
			return equalityFilter{attribute: attribute, value: value}, nil
		case ldap.FilterApproxMatch:
			return approxFilter{attribute: attribute, value: value}, nil
		default:
			return orderingFilter{attribute: attribute, value: value, greater: packet.Tag == ldap.FilterGreaterOrEqual}, nil
		}

	case ldap.FilterSubstrings:
		if len(packet.Children) != 2 {
			return nil, resultError(ldap.LDAPResultProtocolError, "", "malformed substrings filter")
		}
		f := substringFilter{attribute: packetString(packet.Children[0])}
		for _, part := range packet.Children[1].Children {
			value := strings.ToLower(packetString(part))
			switch part.Tag {
			case ldap.FilterSubstringsInitial:
				f.initial = value
			case ldap.FilterSubstringsAny:
				f.any = append(f.any, value)
			case ldap.FilterSubstringsFinal:
				f.final = value
			}
		}
		return f, nil

	case ldap.FilterExtensibleMatch:
		return nil, resultError(ldap.LDAPResultUnwillingToPerform, "", "extensible match filters are not supported")

	default:
		return nil, resultError(ldap.LDAPResultProtocolError, "", "unknown filter type %d", packet.Tag)
	}
}

// packetString returns the string content of a primitive packet. Decoded
// context-specific packets only carry raw data.
func packetString(p *ber.Packet) string {
	if p == nil {
		return ""
	}
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data != nil && p.Data.Len() > 0 {
		return p.Data.String()
	}
	if p.Value == nil {
		return ""
	}
	return fmt.Sprint(p.Value)
}
