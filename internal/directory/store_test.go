package directory

import (
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(dn string, attrs map[string][]string) *Entry {
	entry := NewEntry(dn)
	for name, values := range attrs {
		entry.Add(name, values...)
	}
	return entry
}

// newTestStore returns a store holding dc=example,dc=com, ou=people and
// two users, with a fixed clock.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore([]string{"dc=example,dc=com"}, true)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	for _, entry := range []*Entry{
		newEntry("dc=example,dc=com", map[string][]string{"objectClass": {"top", "domain"}}),
		newEntry("ou=people,dc=example,dc=com", map[string][]string{"objectClass": {"organizationalUnit"}}),
		newEntry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{
			"objectClass":    {"inetOrgPerson"},
			"cn":             {"Alice Liddell"},
			"employeeNumber": {"7"},
		}),
		newEntry("uid=bob,ou=people,dc=example,dc=com", map[string][]string{
			"objectClass": {"inetOrgPerson"},
			"cn":          {"Bob Builder"},
		}),
	} {
		require.NoError(t, store.Add(entry, "cn=loader"))
	}
	return store
}

func assertResultCode(t *testing.T, err error, code uint16) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, code), "expected result code %d (%s), got %v", code, ldap.LDAPResultCodeMap[code], err)
}

func TestNewStoreRejectsInvalidBaseDN(t *testing.T) {
	_, err := NewStore([]string{"not a dn"}, false)
	assert.Error(t, err)

	_, err = NewStore([]string{""}, false)
	assert.Error(t, err)
}

func TestStoreAdd(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, 4, store.Len())

	alice, err := store.Get("UID=Alice, OU=People, DC=Example, DC=Com")
	require.NoError(t, err)
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", alice.DN)
	assert.Equal(t, []string{"alice"}, alice.Values("uid"), "RDN value should be added")
	assert.Equal(t, "20240501123000Z", alice.FirstValue(AttrCreateTimestamp))
	assert.Equal(t, "cn=loader", alice.FirstValue(AttrCreatorsName))
	assert.Len(t, alice.FirstValue(AttrEntryUUID), 36)

	t.Run("duplicate", func(t *testing.T) {
		err := store.Add(NewEntry("uid=alice,ou=people,dc=example,dc=com"), "")
		assertResultCode(t, err, ldap.LDAPResultEntryAlreadyExists)
	})

	t.Run("missing parent", func(t *testing.T) {
		err := store.Add(NewEntry("uid=carol,ou=missing,dc=example,dc=com"), "")
		assertResultCode(t, err, ldap.LDAPResultNoSuchObject)

		var ldapErr *ldap.Error
		require.ErrorAs(t, err, &ldapErr)
		assert.Equal(t, "dc=example,dc=com", ldapErr.MatchedDN)
	})

	t.Run("outside base DNs", func(t *testing.T) {
		err := store.Add(NewEntry("dc=other,dc=org"), "")
		assertResultCode(t, err, ldap.LDAPResultNoSuchObject)
	})

	t.Run("root DSE", func(t *testing.T) {
		err := store.Add(NewEntry(""), "")
		assertResultCode(t, err, ldap.LDAPResultUnwillingToPerform)
	})

	t.Run("invalid DN", func(t *testing.T) {
		err := store.Add(NewEntry("uid=broken,,"), "")
		assertResultCode(t, err, ldap.LDAPResultInvalidDNSyntax)
	})

	t.Run("stored entry is a copy", func(t *testing.T) {
		entry := newEntry("uid=carol,ou=people,dc=example,dc=com", map[string][]string{"cn": {"Carol"}})
		require.NoError(t, store.Add(entry, ""))
		entry.Replace("cn", "Changed")

		stored, err := store.Get(entry.DN)
		require.NoError(t, err)
		assert.Equal(t, "Carol", stored.FirstValue("cn"))
	})
}

func TestStoreWithoutOperationalAttributes(t *testing.T) {
	store, err := NewStore([]string{"dc=example,dc=com"}, false)
	require.NoError(t, err)
	require.NoError(t, store.Add(NewEntry("dc=example,dc=com"), "cn=loader"))

	entry, err := store.Get("dc=example,dc=com")
	require.NoError(t, err)
	assert.False(t, entry.Has(AttrEntryUUID))
	assert.False(t, entry.Has(AttrCreatorsName))
	assert.Equal(t, []string{"example"}, entry.Values("dc"))
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)

	assertResultCode(t, store.Delete("ou=people,dc=example,dc=com"), ldap.LDAPResultNotAllowedOnNonLeaf)
	assertResultCode(t, store.Delete("uid=nobody,ou=people,dc=example,dc=com"), ldap.LDAPResultNoSuchObject)

	require.NoError(t, store.Delete("uid=bob,ou=people,dc=example,dc=com"))
	assert.Equal(t, 3, store.Len())

	_, err := store.Get("uid=bob,ou=people,dc=example,dc=com")
	assertResultCode(t, err, ldap.LDAPResultNoSuchObject)
}

func TestStoreModify(t *testing.T) {
	const dn = "uid=alice,ou=people,dc=example,dc=com"

	tests := []struct {
		name    string
		changes []Modification
		code    uint16
		check   func(t *testing.T, entry *Entry)
	}{
		{
			name: "add replace and delete",
			changes: []Modification{
				{Type: ModAdd, Attribute: "mail", Values: []string{"alice@example.com"}},
				{Type: ModReplace, Attribute: "cn", Values: []string{"Alice"}},
				{Type: ModDelete, Attribute: "employeeNumber"},
			},
			check: func(t *testing.T, entry *Entry) {
				assert.Equal(t, []string{"alice@example.com"}, entry.Values("mail"))
				assert.Equal(t, []string{"Alice"}, entry.Values("cn"))
				assert.False(t, entry.Has("employeeNumber"))
				assert.Equal(t, "cn=admin", entry.FirstValue(AttrModifiersName))
			},
		},
		{
			name:    "increment",
			changes: []Modification{{Type: ModIncrement, Attribute: "employeeNumber", Values: []string{"5"}}},
			check: func(t *testing.T, entry *Entry) {
				assert.Equal(t, []string{"12"}, entry.Values("employeeNumber"))
			},
		},
		{
			name:    "add existing value",
			changes: []Modification{{Type: ModAdd, Attribute: "cn", Values: []string{"alice liddell"}}},
			code:    ldap.LDAPResultAttributeOrValueExists,
		},
		{
			name:    "delete missing value",
			changes: []Modification{{Type: ModDelete, Attribute: "cn", Values: []string{"Someone Else"}}},
			code:    ldap.LDAPResultNoSuchAttribute,
		},
		{
			name:    "delete missing attribute",
			changes: []Modification{{Type: ModDelete, Attribute: "mail"}},
			code:    ldap.LDAPResultNoSuchAttribute,
		},
		{
			name:    "remove RDN value",
			changes: []Modification{{Type: ModReplace, Attribute: "uid", Values: []string{"alicia"}}},
			code:    ldap.LDAPResultNotAllowedOnRDN,
		},
		{
			name:    "operational attribute",
			changes: []Modification{{Type: ModReplace, Attribute: AttrEntryUUID, Values: []string{"x"}}},
			code:    ldap.LDAPResultConstraintViolation,
		},
		{
			name:    "increment non-integer",
			changes: []Modification{{Type: ModIncrement, Attribute: "employeeNumber", Values: []string{"one"}}},
			code:    ldap.LDAPResultInvalidAttributeSyntax,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			before, err := store.Get(dn)
			require.NoError(t, err)

			err = store.Modify(dn, tt.changes, "cn=admin")
			if tt.code != 0 {
				assertResultCode(t, err, tt.code)

				after, err := store.Get(dn)
				require.NoError(t, err)
				assert.Equal(t, before.Attributes(), after.Attributes(), "failed modify must leave the entry unchanged")
				return
			}

			require.NoError(t, err)
			entry, err := store.Get(dn)
			require.NoError(t, err)
			tt.check(t, entry)
		})
	}

	t.Run("missing entry", func(t *testing.T) {
		store := newTestStore(t)
		err := store.Modify("uid=nobody,ou=people,dc=example,dc=com", nil, "")
		assertResultCode(t, err, ldap.LDAPResultNoSuchObject)
	})
}

func TestStoreRename(t *testing.T) {
	t.Run("new RDN", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Rename("uid=alice,ou=people,dc=example,dc=com", "uid=alicia", true, "", "cn=admin"))

		_, err := store.Get("uid=alice,ou=people,dc=example,dc=com")
		assertResultCode(t, err, ldap.LDAPResultNoSuchObject)

		entry, err := store.Get("uid=alicia,ou=people,dc=example,dc=com")
		require.NoError(t, err)
		assert.Equal(t, "uid=alicia,ou=people,dc=example,dc=com", entry.DN)
		assert.Equal(t, []string{"alicia"}, entry.Values("uid"))
	})

	t.Run("keep old RDN value", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Rename("uid=alice,ou=people,dc=example,dc=com", "uid=alicia", false, "", ""))

		entry, err := store.Get("uid=alicia,ou=people,dc=example,dc=com")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "alicia"}, entry.Values("uid"))
	})

	t.Run("subtree moves with parent", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Rename("ou=people,dc=example,dc=com", "ou=staff", true, "", ""))

		entry, err := store.Get("uid=bob,ou=staff,dc=example,dc=com")
		require.NoError(t, err)
		assert.Equal(t, "uid=bob,ou=staff,dc=example,dc=com", entry.DN)
		assert.Equal(t, 4, store.Len())
	})

	t.Run("subtree with escaped RDN values", func(t *testing.T) {
		store := newTestStore(t)
		trailing := newEntry(`cn=a\\,ou=people,dc=example,dc=com`, map[string][]string{"objectClass": {"device"}})
		comma := newEntry(`cn=x\,ou=people,dc=example,dc=com`, map[string][]string{"objectClass": {"device"}})
		require.NoError(t, store.Add(trailing, ""))
		require.NoError(t, store.Add(comma, ""))

		require.NoError(t, store.Rename("ou=people,dc=example,dc=com", "ou=users", true, "", ""))

		entry, err := store.Get(`cn=a\\,ou=users,dc=example,dc=com`)
		require.NoError(t, err)
		assert.Equal(t, `cn=a\\,ou=users,dc=example,dc=com`, entry.DN)
		assert.Equal(t, []string{`a\`}, entry.Values("cn"))

		entry, err = store.Get(`cn=x\,ou=people,dc=example,dc=com`)
		require.NoError(t, err, "a sibling of ou=people whose value ends in its name must not move")
		assert.Equal(t, `cn=x\,ou=people,dc=example,dc=com`, entry.DN)
		assert.Equal(t, 6, store.Len())
	})

	t.Run("new superior", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Add(NewEntry("ou=former,dc=example,dc=com"), ""))
		require.NoError(t, store.Rename("uid=bob,ou=people,dc=example,dc=com", "uid=bob", true, "ou=former,dc=example,dc=com", ""))

		_, err := store.Get("uid=bob,ou=former,dc=example,dc=com")
		assert.NoError(t, err)
	})

	t.Run("errors", func(t *testing.T) {
		store := newTestStore(t)
		assertResultCode(t, store.Rename("uid=nobody,ou=people,dc=example,dc=com", "uid=x", true, "", ""), ldap.LDAPResultNoSuchObject)
		assertResultCode(t, store.Rename("uid=alice,ou=people,dc=example,dc=com", "uid=bob", true, "", ""), ldap.LDAPResultEntryAlreadyExists)
		assertResultCode(t, store.Rename("dc=example,dc=com", "dc=sample", true, "", ""), ldap.LDAPResultUnwillingToPerform)
		assertResultCode(t, store.Rename("ou=people,dc=example,dc=com", "ou=people", true, "uid=alice,ou=people,dc=example,dc=com", ""), ldap.LDAPResultUnwillingToPerform)
		assertResultCode(t, store.Rename("uid=alice,ou=people,dc=example,dc=com", "uid=alice", true, "ou=missing,dc=example,dc=com", ""), ldap.LDAPResultNoSuchObject)
		assertResultCode(t, store.Rename("uid=alice,ou=people,dc=example,dc=com", "not an rdn", true, "", ""), ldap.LDAPResultInvalidDNSyntax)
	})
}

func TestStoreCompare(t *testing.T) {
	store := newTestStore(t)
	const dn = "uid=alice,ou=people,dc=example,dc=com"

	matched, err := store.Compare(dn, "cn", "alice liddell")
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = store.Compare(dn, "cn", "Bob")
	require.NoError(t, err)
	assert.False(t, matched)

	_, err = store.Compare(dn, "mail", "alice@example.com")
	assertResultCode(t, err, ldap.LDAPResultNoSuchAttribute)

	_, err = store.Compare("uid=nobody,dc=example,dc=com", "cn", "x")
	assertResultCode(t, err, ldap.LDAPResultNoSuchObject)
}

func TestStoreSearch(t *testing.T) {
	store := newTestStore(t)

	dns := func(entries []*Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.DN)
		}
		return out
	}

	entries, err := store.Search("dc=example,dc=com", ScopeWholeSubtree, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"dc=example,dc=com",
		"ou=people,dc=example,dc=com",
		"uid=alice,ou=people,dc=example,dc=com",
		"uid=bob,ou=people,dc=example,dc=com",
	}, dns(entries))

	entries, err = store.Search("ou=people,dc=example,dc=com", ScopeSingleLevel, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = store.Search("ou=people,dc=example,dc=com", ScopeBaseObject, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ou=people,dc=example,dc=com"}, dns(entries))

	filter, err := CompileFilter("(cn=bob*)")
	require.NoError(t, err)
	entries, err = store.Search("", ScopeWholeSubtree, filter.Match)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=bob,ou=people,dc=example,dc=com"}, dns(entries))

	_, err = store.Search("ou=missing,dc=example,dc=com", ScopeWholeSubtree, nil)
	assertResultCode(t, err, ldap.LDAPResultNoSuchObject)

	assert.True(t, store.HasSubordinates("ou=people,dc=example,dc=com"))
	assert.False(t, store.HasSubordinates("uid=bob,ou=people,dc=example,dc=com"))
}

func TestStoreImport(t *testing.T) {
	store := newTestStore(t)

	count, err := store.Import([]*Entry{
		NewEntry("uid=carol,ou=people,dc=example,dc=com"),
		NewEntry("uid=alice,ou=people,dc=example,dc=com"),
	}, false, InternalRootDN)
	assertResultCode(t, err, ldap.LDAPResultEntryAlreadyExists)
	assert.Zero(t, count)
	assert.Equal(t, 4, store.Len(), "failed import must not leave partial entries")

	count, err = store.Import([]*Entry{
		NewEntry("dc=example,dc=com"),
		NewEntry("ou=groups,dc=example,dc=com"),
	}, true, InternalRootDN)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, store.Len())

	store.Clear()
	assert.Zero(t, store.Len())
}
