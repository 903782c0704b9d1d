package directory

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// generalizedTimeFormat is the LDAP GeneralizedTime layout used for
// timestamps, always in UTC.
const generalizedTimeFormat = "20060102150405Z"

// ModificationType is the operation of a single Modification.
type ModificationType int

const (
	ModAdd ModificationType = iota
	ModDelete
	ModReplace
	ModIncrement
)

// String returns the string representation of the modification type.
func (m ModificationType) String() string {
	switch m {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	case ModIncrement:
		return "increment"
	default:
		return "unknown"
	}
}

// Modification is one change of a modify request.
type Modification struct {
	Type      ModificationType
	Attribute string
	Values    []string
}

// Search scopes, numbered as on the wire.
const (
	ScopeBaseObject   = ldap.ScopeBaseObject
	ScopeSingleLevel  = ldap.ScopeSingleLevel
	ScopeWholeSubtree = ldap.ScopeWholeSubtree
)

// Store is a concurrency-safe in-memory tree of entries keyed by
// normalized DN. Errors carry LDAP result codes as *ldap.Error.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	suffixes    []string
	operational bool
	now         func() time.Time
}

// NewStore creates an empty store serving baseDNs. When operational is
// set, entries get entryUUID and timestamp attributes.
func NewStore(baseDNs []string, operational bool) (*Store, error) {
	s := &Store{
		entries:     make(map[string]*Entry),
		operational: operational,
		now:         time.Now,
	}

	for _, baseDN := range baseDNs {
		key, err := ldapclient.NormalizeDN(baseDN)
		if err != nil {
			return nil, fmt.Errorf("invalid base DN %q: %w", baseDN, err)
		}
		if key == "" {
			return nil, fmt.Errorf("base DN cannot be empty")
		}
		s.suffixes = append(s.suffixes, key)
	}

	return s, nil
}

// resultError builds a protocol error carrying code.
func resultError(code uint16, matchedDN, format string, args ...any) error {
	return &ldap.Error{
		ResultCode: code,
		MatchedDN:  matchedDN,
		Err:        fmt.Errorf(format, args...),
	}
}

func normalize(dn string) (string, error) {
	key, err := ldapclient.NormalizeDN(dn)
	if err != nil {
		return "", resultError(ldap.LDAPResultInvalidDNSyntax, "", "invalid DN %q", dn)
	}
	return key, nil
}

// parentKey returns the normalized parent of a normalized DN.
func parentKey(key string) string {
	_, parent, err := ldapclient.SplitDN(key)
	if err != nil {
		return ""
	}
	return parent
}

// depth counts the RDNs of a normalized DN.
func depth(key string) int {
	n := 0
	for k := key; k != ""; k = parentKey(k) {
		n++
	}
	return n
}

// isBelow reports whether key names a strict descendant of ancestor. The
// empty ancestor is above everything.
func isBelow(key, ancestor string) bool {
	if ancestor == "" {
		return true
	}
	if !strings.HasSuffix(key, ","+ancestor) {
		return false
	}
	for k := parentKey(key); k != ""; k = parentKey(k) {
		if k == ancestor {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
}

func (s *Store) isSuffix(key string) bool {
	return slices.Contains(s.suffixes, key)
}

// matchedDN returns the stored DN of the closest existing ancestor of key.
func (s *Store) matchedDN(key string) string {
	for parent := parentKey(key); parent != ""; parent = parentKey(parent) {
		if entry, ok := s.entries[parent]; ok {
			return entry.DN
		}
	}
	return ""
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(generalizedTimeFormat)
}

// Get returns a copy of the entry named dn.
func (s *Store) Get(dn string) (*Entry, error) {
	key, err := normalize(dn)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "entry %s does not exist", dn)
	}
	return entry.Clone(), nil
}

// Add stores a copy of entry. Its parent must exist unless entry is one
// of the store's base DNs. Values of the entry's RDN are added to the
// entry when missing.
func (s *Store) Add(entry *Entry, creator string) error {
	key, err := normalize(entry.DN)
	if err != nil {
		return err
	}
	if key == "" {
		return resultError(ldap.LDAPResultUnwillingToPerform, "", "the root DSE cannot be added")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addLocked(key, entry, creator)
}

// Import adds entries in order as one unit: when any entry fails, the
// store is left as it was. With clear set, existing entries are dropped
// first. It returns the number of entries added.
func (s *Store) Import(entries []*Entry, clear bool, creator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := maps.Clone(s.entries)
	if clear {
		s.entries = make(map[string]*Entry, len(entries))
	}

	for i, entry := range entries {
		key, err := normalize(entry.DN)
		if err == nil && key == "" {
			err = resultError(ldap.LDAPResultUnwillingToPerform, "", "the root DSE cannot be added")
		}
		if err == nil {
			err = s.addLocked(key, entry, creator)
		}
		if err != nil {
			s.entries = snapshot
			return 0, fmt.Errorf("entry %d (%s): %w", i+1, entry.DN, err)
		}
	}

	return len(entries), nil
}

func (s *Store) addLocked(key string, entry *Entry, creator string) error {
	rdn, err := ldapclient.RDNAttributes(entry.DN)
	if err != nil {
		return resultError(ldap.LDAPResultInvalidDNSyntax, "", "invalid DN %q", entry.DN)
	}

	if _, exists := s.entries[key]; exists {
		return resultError(ldap.LDAPResultEntryAlreadyExists, "", "entry %s already exists", entry.DN)
	}

	if !s.isSuffix(key) {
		parent := parentKey(key)
		if _, ok := s.entries[parent]; !ok || parent == "" {
			return resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "parent of %s does not exist", entry.DN)
		}
	}

	stored := entry.Clone()
	for _, attr := range rdn {
		if !stored.HasValue(attr.Type, attr.Value) {
			stored.Add(attr.Type, attr.Value)
		}
	}

	if s.operational {
		now := s.timestamp()
		if !stored.Has(AttrEntryUUID) {
			stored.Add(AttrEntryUUID, uuid.NewString())
		}
		if !stored.Has(AttrCreateTimestamp) {
			stored.Add(AttrCreateTimestamp, now)
			stored.Add(AttrModifyTimestamp, now)
		}
		if !stored.Has(AttrCreatorsName) {
			stored.Add(AttrCreatorsName, creator)
			stored.Add(AttrModifiersName, creator)
		}
	}

	s.entries[key] = stored
	return nil
}

// Delete removes the leaf entry named dn.
func (s *Store) Delete(dn string) error {
	key, err := normalize(dn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "entry %s does not exist", dn)
	}

	for k := range s.entries {
		if isBelow(k, key) && k != key {
			return resultError(ldap.LDAPResultNotAllowedOnNonLeaf, "", "entry %s has subordinates", dn)
		}
	}

	delete(s.entries, key)
	return nil
}

// Modify applies changes to the entry named dn atomically.
func (s *Store) Modify(dn string, changes []Modification, modifier string) error {
	key, err := normalize(dn)
	if err != nil {
		return err
	}

	rdn, err := ldapclient.RDNAttributes(dn)
	if err != nil {
		return resultError(ldap.LDAPResultInvalidDNSyntax, "", "invalid DN %q", dn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		return resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "entry %s does not exist", dn)
	}

	entry := current.Clone()
	for _, change := range changes {
		if IsOperational(change.Attribute) {
			return resultError(ldap.LDAPResultConstraintViolation, "", "attribute %s is not user-modifiable", change.Attribute)
		}
		if err := applyModification(entry, change); err != nil {
			return err
		}
	}

	for _, attr := range rdn {
		if !entry.HasValue(attr.Type, attr.Value) {
			return resultError(ldap.LDAPResultNotAllowedOnRDN, "", "cannot remove RDN value %s=%s", attr.Type, attr.Value)
		}
	}

	if s.operational {
		entry.Replace(AttrModifyTimestamp, s.timestamp())
		entry.Replace(AttrModifiersName, modifier)
	}

	s.entries[key] = entry
	return nil
}

func applyModification(entry *Entry, change Modification) error {
	switch change.Type {
	case ModAdd:
		if dups := entry.Add(change.Attribute, change.Values...); len(dups) > 0 {
			return resultError(ldap.LDAPResultAttributeOrValueExists, "", "attribute %s already has value %q", change.Attribute, dups[0])
		}
	case ModDelete:
		if len(change.Values) == 0 {
			if !entry.Remove(change.Attribute) {
				return resultError(ldap.LDAPResultNoSuchAttribute, "", "attribute %s does not exist", change.Attribute)
			}
			return nil
		}
		if missing := entry.RemoveValues(change.Attribute, change.Values...); len(missing) > 0 {
			return resultError(ldap.LDAPResultNoSuchAttribute, "", "attribute %s has no value %q", change.Attribute, missing[0])
		}
	case ModReplace:
		entry.Replace(change.Attribute, change.Values...)
	case ModIncrement:
		if len(change.Values) != 1 {
			return resultError(ldap.LDAPResultProtocolError, "", "increment of %s needs exactly one value", change.Attribute)
		}
		delta, err := strconv.ParseInt(change.Values[0], 10, 64)
		if err != nil {
			return resultError(ldap.LDAPResultInvalidAttributeSyntax, "", "increment %q is not an integer", change.Values[0])
		}
		attr := entry.Get(change.Attribute)
		if attr == nil {
			return resultError(ldap.LDAPResultNoSuchAttribute, "", "attribute %s does not exist", change.Attribute)
		}
		for i, value := range attr.Values {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return resultError(ldap.LDAPResultConstraintViolation, "", "attribute %s value %q is not an integer", change.Attribute, value)
			}
			attr.Values[i] = strconv.FormatInt(n+delta, 10)
		}
	default:
		return resultError(ldap.LDAPResultProtocolError, "", "unknown modification type %d", change.Type)
	}
	return nil
}

// Rename changes the RDN of the entry named dn and, when newSuperior is
// not empty, moves it below newSuperior. Subordinate entries move with it.
func (s *Store) Rename(dn, newRDN string, deleteOldRDN bool, newSuperior string, modifier string) error {
	key, err := normalize(dn)
	if err != nil {
		return err
	}

	parsedRDN, err := ldap.ParseDN(newRDN)
	if err != nil || len(parsedRDN.RDNs) != 1 {
		return resultError(ldap.LDAPResultInvalidDNSyntax, "", "invalid RDN %q", newRDN)
	}

	oldRDN, err := ldapclient.RDNAttributes(dn)
	if err != nil {
		return resultError(ldap.LDAPResultInvalidDNSyntax, "", "invalid DN %q", dn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		return resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "entry %s does not exist", dn)
	}

	if s.isSuffix(key) {
		return resultError(ldap.LDAPResultUnwillingToPerform, "", "base DN %s cannot be renamed", dn)
	}

	_, parentDN, _ := ldapclient.SplitDN(current.DN)
	if newSuperior != "" {
		superiorKey, err := normalize(newSuperior)
		if err != nil {
			return err
		}
		superior, ok := s.entries[superiorKey]
		if !ok {
			return resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(superiorKey), "new superior %s does not exist", newSuperior)
		}
		if superiorKey == key || isBelow(superiorKey, key) {
			return resultError(ldap.LDAPResultUnwillingToPerform, "", "cannot move %s below itself", dn)
		}
		parentDN = superior.DN
	}

	newDN := strings.TrimSpace(newRDN)
	if parentDN != "" {
		newDN += "," + parentDN
	}

	newKey, err := normalize(newDN)
	if err != nil {
		return err
	}

	if _, exists := s.entries[newKey]; exists && newKey != key {
		return resultError(ldap.LDAPResultEntryAlreadyExists, "", "entry %s already exists", newDN)
	}

	entry := current.Clone()
	entry.DN = newDN
	if deleteOldRDN {
		for _, attr := range oldRDN {
			if !slices.ContainsFunc(parsedRDN.RDNs[0].Attributes, func(a *ldap.AttributeTypeAndValue) bool {
				return attributeKey(a.Type) == attributeKey(attr.Type) && valuesEqual(a.Type, a.Value, attr.Value)
			}) {
				entry.RemoveValues(attr.Type, attr.Value)
			}
		}
	}
	for _, attr := range parsedRDN.RDNs[0].Attributes {
		if !entry.HasValue(attr.Type, attr.Value) {
			entry.Add(attr.Type, attr.Value)
		}
	}
	if s.operational {
		entry.Replace(AttrModifyTimestamp, s.timestamp())
		entry.Replace(AttrModifiersName, modifier)
	}

	moved := make(map[string]*Entry)
	for k, child := range s.entries {
		if k == key || !isBelow(k, key) {
			continue
		}
		relocated := child.Clone()
		relocated.DN = leadingRDNs(child.DN, depth(k)-depth(key)) + "," + newDN
		moved[strings.TrimSuffix(k, key)+newKey] = relocated
		delete(s.entries, k)
	}

	delete(s.entries, key)
	s.entries[newKey] = entry
	for k, child := range moved {
		s.entries[k] = child
	}
	return nil
}

// leadingRDNs returns the first n RDNs of dn, as spelled.
func leadingRDNs(dn string, n int) string {
	parts := make([]string, 0, n)
	rest := dn
	for range n {
		rdn, parent, err := ldapclient.SplitDN(rest)
		if err != nil {
			break
		}
		parts = append(parts, rdn)
		rest = parent
	}
	return strings.Join(parts, ",")
}

// Compare reports whether attribute of the entry named dn holds value.
func (s *Store) Compare(dn, attribute, value string) (bool, error) {
	key, err := normalize(dn)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "entry %s does not exist", dn)
	}

	if !entry.Has(attribute) {
		return false, resultError(ldap.LDAPResultNoSuchAttribute, "", "entry %s has no attribute %s", dn, attribute)
	}

	return entry.HasValue(attribute, value), nil
}

// Search returns copies of the entries within scope of baseDN that
// match, parents before children. An empty baseDN searches all suffixes.
func (s *Store) Search(baseDN string, scope int, match func(*Entry) bool) ([]*Entry, error) {
	key, err := normalize(baseDN)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if key != "" {
		if _, ok := s.entries[key]; !ok {
			return nil, resultError(ldap.LDAPResultNoSuchObject, s.matchedDN(key), "base %s does not exist", baseDN)
		}
	}

	var keys []string
	for k := range s.entries {
		var inScope bool
		switch scope {
		case ScopeBaseObject:
			inScope = k == key
		case ScopeSingleLevel:
			inScope = parentKey(k) == key
		default:
			inScope = k == key || isBelow(k, key)
		}
		if inScope && (match == nil || match(s.entries[k])) {
			keys = append(keys, k)
		}
	}

	slices.SortFunc(keys, func(a, b string) int {
		if d := depth(a) - depth(b); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})

	results := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		results = append(results, s.entries[k].Clone())
	}
	return results, nil
}

// HasSubordinates reports whether the entry named dn has children.
func (s *Store) HasSubordinates(dn string) bool {
	key, err := normalize(dn)
	if err != nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for k := range s.entries {
		if parentKey(k) == key {
			return true
		}
	}
	return false
}
