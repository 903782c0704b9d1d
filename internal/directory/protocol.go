package directory

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Extended operation OIDs.
const (
	OIDWhoAmI         = "1.3.6.1.4.1.4203.1.11.3"
	OIDPasswordModify = "1.3.6.1.4.1.4203.1.11.1"
	OIDStartTLS       = "1.3.6.1.4.1.1466.20037"
)

// Context-specific tags inside requests and responses.
const (
	tagSimpleAuth      = 0
	tagSASLAuth        = 3
	tagNewSuperior     = 0
	tagRequestName     = 0
	tagRequestValue    = 1
	tagResponseValue   = 11
	tagPasswdUserID    = 0
	tagPasswdOldPasswd = 1
	tagPasswdNewPasswd = 2
)

// operationNames labels application tags in logs and metrics.
var operationNames = map[ber.Tag]string{
	ldap.ApplicationBindRequest:     "bind",
	ldap.ApplicationUnbindRequest:   "unbind",
	ldap.ApplicationSearchRequest:   "search",
	ldap.ApplicationModifyRequest:   "modify",
	ldap.ApplicationAddRequest:      "add",
	ldap.ApplicationDelRequest:      "delete",
	ldap.ApplicationModifyDNRequest: "modify_dn",
	ldap.ApplicationCompareRequest:  "compare",
	ldap.ApplicationAbandonRequest:  "abandon",
	ldap.ApplicationExtendedRequest: "extended",
}

// responseTags maps request tags to the tag of their LDAPResult response.
var responseTags = map[ber.Tag]ber.Tag{
	ldap.ApplicationBindRequest:     ldap.ApplicationBindResponse,
	ldap.ApplicationSearchRequest:   ldap.ApplicationSearchResultDone,
	ldap.ApplicationModifyRequest:   ldap.ApplicationModifyResponse,
	ldap.ApplicationAddRequest:      ldap.ApplicationAddResponse,
	ldap.ApplicationDelRequest:      ldap.ApplicationDelResponse,
	ldap.ApplicationModifyDNRequest: ldap.ApplicationModifyDNResponse,
	ldap.ApplicationCompareRequest:  ldap.ApplicationCompareResponse,
	ldap.ApplicationExtendedRequest: ldap.ApplicationExtendedResponse,
}

// request is a decoded LDAPMessage envelope.
type request struct {
	messageID int64
	op        *ber.Packet
}

func (r *request) name() string {
	if name, ok := operationNames[r.op.Tag]; ok {
		return name
	}
	return fmt.Sprintf("application_%d", r.op.Tag)
}

// decodeRequest validates the LDAPMessage envelope of packet.
func decodeRequest(packet *ber.Packet) (*request, error) {
	if packet == nil || len(packet.Children) < 2 {
		return nil, fmt.Errorf("malformed LDAP message")
	}

	messageID, ok := packet.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("malformed LDAP message ID")
	}

	op := packet.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("malformed LDAP operation")
	}

	return &request{messageID: messageID, op: op}, nil
}

// envelope wraps op in an LDAPMessage with messageID.
func envelope(messageID int64, op *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	packet.AppendChild(op)
	return packet
}

// newResult builds an LDAPResult-shaped response with the given tag.
func newResult(tag ber.Tag, code uint16, matchedDN, message string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, message, "diagnosticMessage"))
	return op
}

// encodeEntry builds a SearchResultEntry for entry restricted to attrs.
func encodeEntry(dn string, attrs []*Attribute, typesOnly bool) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultEntry, nil, "Search Result Entry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "objectName"))

	list := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, attr := range attrs {
		list.AppendChild(encodeAttribute(attr, typesOnly))
	}
	op.AppendChild(list)
	return op
}

func encodeAttribute(attr *Attribute, typesOnly bool) *ber.Packet {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PartialAttribute")
	seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr.Name, "type"))

	set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
	if !typesOnly {
		for _, value := range attr.Values {
			set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "value"))
		}
	}
	seq.AppendChild(set)
	return seq
}

// decodeAttribute reads a PartialAttribute: SEQUENCE { type, SET OF value }.
func decodeAttribute(p *ber.Packet) (*Attribute, error) {
	if p == nil || len(p.Children) != 2 {
		return nil, fmt.Errorf("malformed attribute")
	}

	attr := &Attribute{Name: packetString(p.Children[0])}
	if attr.Name == "" {
		return nil, fmt.Errorf("attribute without a type")
	}

	for _, v := range p.Children[1].Children {
		attr.Values = append(attr.Values, packetString(v))
	}
	return attr, nil
}

func packetInt(p *ber.Packet) (int64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p.Value.(int64)
	return v, ok
}

func packetBool(p *ber.Packet) bool {
	if p == nil {
		return false
	}
	v, _ := p.Value.(bool)
	return v
}

// childWithTag returns the first context-specific child of p tagged tag.
func childWithTag(p *ber.Packet, tag ber.Tag) *ber.Packet {
	for _, child := range p.Children {
		if child.ClassType == ber.ClassContext && child.Tag == tag {
			return child
		}
	}
	return nil
}
