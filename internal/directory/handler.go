package directory

import (
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// handle answers req and records it. The returned error is a write
// failure, after which the connection is dropped.
func (c *conn) handle(req *request) error {
	start := time.Now()

	if req.op.Tag == ldap.ApplicationAbandonRequest {
		// Requests are answered in order, so there is never anything left to abandon.
		c.record(req, ldap.LDAPResultSuccess, start)
		return nil
	}

	var (
		resp *ber.Packet
		err  error
	)

	switch req.op.Tag {
	case ldap.ApplicationBindRequest:
		resp = c.handleBind(req)
	case ldap.ApplicationSearchRequest:
		resp, err = c.handleSearch(req)
	case ldap.ApplicationAddRequest:
		resp = c.handleAdd(req)
	case ldap.ApplicationDelRequest:
		resp = c.handleDelete(req)
	case ldap.ApplicationModifyRequest:
		resp = c.handleModify(req)
	case ldap.ApplicationModifyDNRequest:
		resp = c.handleModifyDN(req)
	case ldap.ApplicationCompareRequest:
		resp = c.handleCompare(req)
	case ldap.ApplicationExtendedRequest:
		resp = c.handleExtended(req)
	default:
		resp = c.result(req, resultError(ldap.LDAPResultProtocolError, "", "unsupported operation %s", req.name()))
	}
	if err != nil {
		return err
	}

	code, _ := packetInt(resp.Children[0])
	c.record(req, uint16(code), start)

	return c.write(req.messageID, resp)
}

// result builds the LDAPResult answering req from err.
func (c *conn) result(req *request, err error) *ber.Packet {
	code, matched, message := resultFromError(err)
	tag, ok := responseTags[req.op.Tag]
	if !ok {
		tag = ldap.ApplicationExtendedResponse
	}
	return newResult(tag, code, matched, message)
}

func protocolError(format string, args ...any) error {
	return resultError(ldap.LDAPResultProtocolError, "", format, args...)
}

// authorize rejects anonymous requests when the server requires
// authentication.
func (c *conn) authorize() error {
	if c.server.config.RequireAuthentication && c.boundDN == "" {
		return resultError(ldap.LDAPResultInsufficientAccessRights, "", "authentication required")
	}
	return nil
}

func (c *conn) handleBind(req *request) *ber.Packet {
	op := req.op
	if len(op.Children) < 3 {
		return c.result(req, protocolError("malformed bind request"))
	}

	// A bind attempt always resets the connection to anonymous first.
	c.boundDN = ""

	if version, _ := packetInt(op.Children[0]); version != 3 {
		return c.result(req, protocolError("unsupported LDAP version %d", version))
	}

	name := packetString(op.Children[1])
	auth := op.Children[2]
	if auth.ClassType != ber.ClassContext || auth.Tag != tagSimpleAuth {
		return c.result(req, resultError(ldap.LDAPResultAuthMethodNotSupported, "", "only simple authentication is supported"))
	}

	bound, err := c.server.authenticate(name, packetString(auth))
	if err != nil {
		tflog.SubsystemDebug(c.ctx, Subsystem, "Bind rejected", map[string]any{"bind_dn": name})
		return c.result(req, err)
	}

	c.boundDN = bound
	tflog.SubsystemDebug(c.ctx, Subsystem, "Bind succeeded", map[string]any{"bind_dn": bound})
	return c.result(req, nil)
}

func (c *conn) handleSearch(req *request) (*ber.Packet, error) {
	op := req.op
	if len(op.Children) < 8 {
		return c.result(req, protocolError("malformed search request")), nil
	}

	baseDN := packetString(op.Children[0])
	scope, _ := packetInt(op.Children[1])
	sizeLimit, _ := packetInt(op.Children[3])
	typesOnly := packetBool(op.Children[5])

	filter, err := FilterFromPacket(op.Children[6])
	if err != nil {
		return c.result(req, err), nil
	}

	requested := make([]string, 0, len(op.Children[7].Children))
	for _, attr := range op.Children[7].Children {
		requested = append(requested, packetString(attr))
	}
	sel := newSelection(requested)

	var entries []*Entry
	if baseDN == "" && scope == ScopeBaseObject {
		if root := c.server.rootDSE(); filter.Match(root) {
			entries = append(entries, root)
		}
	} else {
		if err := c.authorize(); err != nil {
			return c.result(req, err), nil
		}
		entries, err = c.server.store.Search(baseDN, int(scope), filter.Match)
		if err != nil {
			return c.result(req, err), nil
		}
	}

	limit := int(sizeLimit)
	if ceiling := c.server.config.MaxSizeLimit; ceiling > 0 && (limit == 0 || limit > ceiling) {
		limit = ceiling
	}

	var done error
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
		done = resultError(ldap.LDAPResultSizeLimitExceeded, "", "size limit of %d entries exceeded", limit)
	}

	for _, entry := range entries {
		if err := c.write(req.messageID, encodeEntry(entry.DN, sel.attributes(c.server, entry), typesOnly)); err != nil {
			return nil, err
		}
	}

	return c.result(req, done), nil
}

// selection is the attribute list of a search request.
type selection struct {
	user        bool
	operational bool
	names       map[string]bool
}

// newSelection interprets requested: none or "*" means all user
// attributes, "+" all operational attributes, "1.1" no attributes.
func newSelection(requested []string) selection {
	sel := selection{user: len(requested) == 0, names: make(map[string]bool)}
	for _, name := range requested {
		switch name {
		case "*":
			sel.user = true
		case "+":
			sel.operational = true
		case "1.1":
		default:
			sel.names[attributeKey(name)] = true
		}
	}
	return sel
}

func (sel selection) wants(name string) bool {
	if sel.names[attributeKey(name)] {
		return true
	}
	if IsOperational(name) {
		return sel.operational
	}
	return sel.user
}

// attributes returns the attributes of entry to return, including the
// computed entryDN and hasSubordinates when asked for.
func (sel selection) attributes(s *Server, entry *Entry) []*Attribute {
	var attrs []*Attribute
	for _, attr := range entry.Attributes() {
		if sel.wants(attr.Name) {
			attrs = append(attrs, attr)
		}
	}

	if entry.DN == "" {
		return attrs
	}
	if sel.wants("entryDN") {
		attrs = append(attrs, &Attribute{Name: "entryDN", Values: []string{entry.DN}})
	}
	if sel.wants("hasSubordinates") {
		value := "FALSE"
		if s.store.HasSubordinates(entry.DN) {
			value = "TRUE"
		}
		attrs = append(attrs, &Attribute{Name: "hasSubordinates", Values: []string{value}})
	}
	return attrs
}

// rootDSE describes the server to clients reading the empty DN.
func (s *Server) rootDSE() *Entry {
	root := NewEntry("")
	root.Add("objectClass", "top")
	root.Add("namingContexts", s.config.BaseDNs...)
	root.Add("defaultNamingContext", s.config.BaseDNs[0])
	root.Add("supportedLDAPVersion", "3")
	root.Add("supportedExtension", OIDWhoAmI, OIDPasswordModify)
	root.Add("vendorName", "embedded-ldap")
	return root
}

func (c *conn) handleAdd(req *request) *ber.Packet {
	if err := c.authorize(); err != nil {
		return c.result(req, err)
	}

	op := req.op
	if len(op.Children) < 2 {
		return c.result(req, protocolError("malformed add request"))
	}

	entry := NewEntry(packetString(op.Children[0]))
	for _, p := range op.Children[1].Children {
		attr, err := decodeAttribute(p)
		if err != nil {
			return c.result(req, protocolError("%v", err))
		}
		if len(attr.Values) == 0 {
			return c.result(req, protocolError("attribute %s has no values", attr.Name))
		}
		if IsOperational(attr.Name) {
			return c.result(req, resultError(ldap.LDAPResultConstraintViolation, "", "attribute %s is not user-modifiable", attr.Name))
		}
		entry.Add(attr.Name, attr.Values...)
	}

	if !entry.Has("objectClass") {
		return c.result(req, resultError(ldap.LDAPResultObjectClassViolation, "", "entry %s has no objectClass", entry.DN))
	}

	return c.result(req, c.server.store.Add(entry, c.boundDN))
}

func (c *conn) handleDelete(req *request) *ber.Packet {
	if err := c.authorize(); err != nil {
		return c.result(req, err)
	}
	return c.result(req, c.server.store.Delete(packetString(req.op)))
}

var modificationTypes = map[int64]ModificationType{
	ldap.AddAttribute:       ModAdd,
	ldap.DeleteAttribute:    ModDelete,
	ldap.ReplaceAttribute:   ModReplace,
	ldap.IncrementAttribute: ModIncrement,
}

func (c *conn) handleModify(req *request) *ber.Packet {
	if err := c.authorize(); err != nil {
		return c.result(req, err)
	}

	op := req.op
	if len(op.Children) < 2 {
		return c.result(req, protocolError("malformed modify request"))
	}

	dn := packetString(op.Children[0])
	changes := make([]Modification, 0, len(op.Children[1].Children))
	for _, p := range op.Children[1].Children {
		if len(p.Children) != 2 {
			return c.result(req, protocolError("malformed modification"))
		}
		code, _ := packetInt(p.Children[0])
		modType, ok := modificationTypes[code]
		if !ok {
			return c.result(req, protocolError("unknown modification type %d", code))
		}
		attr, err := decodeAttribute(p.Children[1])
		if err != nil {
			return c.result(req, protocolError("%v", err))
		}
		changes = append(changes, Modification{Type: modType, Attribute: attr.Name, Values: attr.Values})
	}

	return c.result(req, c.server.store.Modify(dn, changes, c.boundDN))
}

func (c *conn) handleModifyDN(req *request) *ber.Packet {
	if err := c.authorize(); err != nil {
		return c.result(req, err)
	}

	op := req.op
	if len(op.Children) < 3 {
		return c.result(req, protocolError("malformed modify DN request"))
	}

	dn := packetString(op.Children[0])
	newRDN := packetString(op.Children[1])
	deleteOldRDN := packetBool(op.Children[2])
	newSuperior := packetString(childWithTag(op, tagNewSuperior))

	return c.result(req, c.server.store.Rename(dn, newRDN, deleteOldRDN, newSuperior, c.boundDN))
}

func (c *conn) handleCompare(req *request) *ber.Packet {
	if err := c.authorize(); err != nil {
		return c.result(req, err)
	}

	op := req.op
	if len(op.Children) < 2 || len(op.Children[1].Children) != 2 {
		return c.result(req, protocolError("malformed compare request"))
	}

	dn := packetString(op.Children[0])
	ava := op.Children[1]
	matched, err := c.server.store.Compare(dn, packetString(ava.Children[0]), packetString(ava.Children[1]))
	if err != nil {
		return c.result(req, err)
	}

	code := uint16(ldap.LDAPResultCompareFalse)
	if matched {
		code = ldap.LDAPResultCompareTrue
	}
	return newResult(ldap.ApplicationCompareResponse, code, "", "")
}

func (c *conn) handleExtended(req *request) *ber.Packet {
	oid := packetString(childWithTag(req.op, tagRequestName))

	switch oid {
	case OIDWhoAmI:
		authzID := ""
		if c.boundDN != "" {
			authzID = "dn:" + c.boundDN
		}
		resp := c.result(req, nil)
		resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, tagResponseValue, authzID, "authzId"))
		return resp

	case OIDPasswordModify:
		generated, err := c.passwordModify(childWithTag(req.op, tagRequestValue))
		resp := c.result(req, err)
		if err == nil && generated != "" {
			value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PasswdModifyResponseValue")
			value.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, generated, "genPasswd"))
			wrapper := ber.Encode(ber.ClassContext, ber.TypePrimitive, tagResponseValue, nil, "responseValue")
			wrapper.Data.Write(value.Bytes())
			resp.AppendChild(wrapper)
		}
		return resp

	default:
		return c.result(req, protocolError("unsupported extended operation %q", oid))
	}
}

// passwordModify applies an RFC 3062 request. Users may change their own
// password; identities from the bind credentials may change anyone's. It
// returns the new password when the server generated it.
func (c *conn) passwordModify(value *ber.Packet) (string, error) {
	if c.boundDN == "" {
		return "", resultError(ldap.LDAPResultUnwillingToPerform, "", "password modify requires an authenticated connection")
	}

	var userID, oldPassword, newPassword string
	if value != nil && value.Data != nil && value.Data.Len() > 0 {
		fields, err := ber.DecodePacketErr(value.Data.Bytes())
		if err != nil {
			return "", protocolError("malformed password modify request: %v", err)
		}
		userID = packetString(childWithTag(fields, tagPasswdUserID))
		oldPassword = packetString(childWithTag(fields, tagPasswdOldPasswd))
		newPassword = packetString(childWithTag(fields, tagPasswdNewPasswd))
	}

	target := c.boundDN
	if userID != "" {
		target = strings.TrimPrefix(userID, "dn:")
	}

	self, err := sameDN(target, c.boundDN)
	if err != nil {
		return "", err
	}
	if !self && !c.server.isAdministrator(c.boundDN) {
		return "", resultError(ldap.LDAPResultInsufficientAccessRights, "", "%s may not change the password of %s", c.boundDN, target)
	}

	entry, err := c.server.store.Get(target)
	if err != nil {
		return "", err
	}
	if oldPassword != "" && !entry.HasValue("userPassword", oldPassword) {
		return "", resultError(ldap.LDAPResultInvalidCredentials, "", "old password does not match")
	}

	generated := ""
	if newPassword == "" {
		generated = strings.ReplaceAll(uuid.NewString(), "-", "")
		newPassword = generated
	}

	change := Modification{Type: ModReplace, Attribute: "userPassword", Values: []string{newPassword}}
	if err := c.server.store.Modify(target, []Modification{change}, c.boundDN); err != nil {
		return "", err
	}
	return generated, nil
}

func sameDN(a, b string) (bool, error) {
	ka, err := normalize(a)
	if err != nil {
		return false, err
	}
	kb, err := normalize(b)
	if err != nil {
		return false, err
	}
	return ka == kb, nil
}

// isAdministrator reports whether dn is one of the additional bind
// credentials rather than a directory entry.
func (s *Server) isAdministrator(dn string) bool {
	key, err := ldapclient.NormalizeDN(dn)
	if err != nil {
		return false
	}

	s.credMu.RLock()
	defer s.credMu.RUnlock()
	_, ok := s.credentials[key]
	return ok
}
