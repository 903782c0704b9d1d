package directory

import (
	"slices"
	"strings"
)

// Operational attribute names maintained by the store.
const (
	AttrEntryUUID       = "entryUUID"
	AttrCreateTimestamp = "createTimestamp"
	AttrCreatorsName    = "creatorsName"
	AttrModifyTimestamp = "modifyTimestamp"
	AttrModifiersName   = "modifiersName"
)

var operationalAttributes = map[string]bool{
	"entryuuid":         true,
	"createtimestamp":   true,
	"creatorsname":      true,
	"modifytimestamp":   true,
	"modifiersname":     true,
	"subschemasubentry": true,
	"entrydn":           true,
	"hassubordinates":   true,
}

// IsOperational reports whether name is an operational attribute, which
// is returned by searches only when requested by name or with "+".
func IsOperational(name string) bool {
	return operationalAttributes[attributeKey(name)]
}

// Attribute is a named, multi-valued entry attribute.
type Attribute struct {
	Name   string
	Values []string
}

// Entry is a directory entry. Attribute names match case-insensitively
// and keep the spelling they were first added with.
type Entry struct {
	DN string

	attrs map[string]*Attribute
	order []string
}

// NewEntry creates an empty entry named dn.
func NewEntry(dn string) *Entry {
	return &Entry{
		DN:    dn,
		attrs: make(map[string]*Attribute),
	}
}

// attributeKey lowercases name and strips attribute options ("cn;lang-en").
func attributeKey(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// Get returns the attribute called name, or nil.
func (e *Entry) Get(name string) *Attribute {
	return e.attrs[attributeKey(name)]
}

// Values returns the values of name.
func (e *Entry) Values(name string) []string {
	if attr := e.Get(name); attr != nil {
		return attr.Values
	}
	return nil
}

// FirstValue returns the first value of name or "".
func (e *Entry) FirstValue(name string) string {
	values := e.Values(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Has reports whether the entry holds at least one value of name.
func (e *Entry) Has(name string) bool {
	return len(e.Values(name)) > 0
}

// HasValue reports whether name holds value under the attribute's
// matching rule.
func (e *Entry) HasValue(name, value string) bool {
	for _, v := range e.Values(name) {
		if valuesEqual(name, v, value) {
			return true
		}
	}
	return false
}

// Add appends values to name, skipping duplicates. It returns the
// values that were already present.
func (e *Entry) Add(name string, values ...string) (duplicates []string) {
	key := attributeKey(name)
	attr, ok := e.attrs[key]
	if !ok {
		attr = &Attribute{Name: strings.TrimSpace(name)}
		e.attrs[key] = attr
		e.order = append(e.order, key)
	}

	for _, value := range values {
		if e.HasValue(name, value) {
			duplicates = append(duplicates, value)
			continue
		}
		attr.Values = append(attr.Values, value)
	}

	if len(attr.Values) == 0 {
		e.Remove(name)
	}
	return duplicates
}

// Replace sets name to exactly values; no values removes the attribute.
func (e *Entry) Replace(name string, values ...string) {
	e.Remove(name)
	if len(values) > 0 {
		e.Add(name, values...)
	}
}

// Remove deletes name and all its values. It reports whether the
// attribute existed.
func (e *Entry) Remove(name string) bool {
	key := attributeKey(name)
	if _, ok := e.attrs[key]; !ok {
		return false
	}
	delete(e.attrs, key)
	e.order = slices.DeleteFunc(e.order, func(k string) bool { return k == key })
	return true
}

// RemoveValues deletes values from name. It returns the values that
// were not present; nothing is removed in that case.
func (e *Entry) RemoveValues(name string, values ...string) (missing []string) {
	attr := e.Get(name)
	if attr == nil {
		return values
	}

	for _, value := range values {
		if !e.HasValue(name, value) {
			missing = append(missing, value)
		}
	}
	if len(missing) > 0 {
		return missing
	}

	attr.Values = slices.DeleteFunc(attr.Values, func(v string) bool {
		return slices.ContainsFunc(values, func(value string) bool { return valuesEqual(name, v, value) })
	})
	if len(attr.Values) == 0 {
		e.Remove(name)
	}
	return nil
}

// Attributes returns the attributes in insertion order.
func (e *Entry) Attributes() []*Attribute {
	attrs := make([]*Attribute, 0, len(e.order))
	for _, key := range e.order {
		attrs = append(attrs, e.attrs[key])
	}
	return attrs
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	clone := NewEntry(e.DN)
	for _, key := range e.order {
		attr := e.attrs[key]
		clone.attrs[key] = &Attribute{Name: attr.Name, Values: slices.Clone(attr.Values)}
		clone.order = append(clone.order, key)
	}
	return clone
}

// valuesEqual compares two values of attribute name. Passwords compare
// exactly; everything else ignores case and surrounding space.
func valuesEqual(name, a, b string) bool {
	if attributeKey(name) == "userpassword" {
		return a == b
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
