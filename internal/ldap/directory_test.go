package ldap_test

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/embedded-ldap/internal/directory"
	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

const (
	managerDN       = "cn=Directory Manager"
	managerPassword = "password"
)

// newDirectoryClient connects a client, bound as the manager, to a
// fresh directory holding the base entries.
func newDirectoryClient(t *testing.T) ldapclient.Client {
	t.Helper()

	cfg, err := directory.NewConfig()
	require.NoError(t, err)
	cfg.BindCredentials = map[string]string{managerDN: managerPassword}

	srv, err := directory.NewServer(t.Context(), cfg)
	require.NoError(t, err)
	_, err = srv.ImportFromLDIF(false, "../directory/testdata/base.ldif")
	require.NoError(t, err)

	require.NoError(t, srv.StartListening())
	t.Cleanup(func() { srv.ShutDown(true) })

	client, err := ldapclient.NewClientFromEnvironment(t.Context(), map[string]string{
		ldapclient.EnvProviderURL:            srv.URL(),
		ldapclient.EnvSecurityAuthentication: ldapclient.AuthenticationSimple,
		ldapclient.EnvSecurityPrincipal:      managerDN,
		ldapclient.EnvSecurityCredentials:    managerPassword,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestClientAgainstDirectory(t *testing.T) {
	ctx := t.Context()
	client := newDirectoryClient(t)

	baseDN, err := client.GetBaseDN(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", baseDN)

	carol := "uid=carol,ou=people,dc=example,dc=com"
	require.NoError(t, client.Add(ctx, &ldapclient.AddRequest{
		DN: carol,
		Attributes: map[string][]string{
			"objectClass": {"top", "inetOrgPerson"},
			"uid":         {"carol"},
			"cn":          {"Carol"},
			"sn":          {"Danvers"},
		},
	}))

	require.NoError(t, client.Modify(ctx, &ldapclient.ModifyRequest{
		DN:                carol,
		AddAttributes:     map[string][]string{"mail": {"carol@example.com"}},
		ReplaceAttributes: map[string][]string{"cn": {"Carol Danvers"}},
		DeleteAttributes:  []string{"sn"},
	}))

	matched, err := client.Compare(ctx, carol, "cn", "Carol Danvers")
	require.NoError(t, err)
	assert.True(t, matched)

	require.NoError(t, client.ModifyDN(ctx, &ldapclient.ModifyDNRequest{
		DN:           carol,
		NewRDN:       "uid=captain",
		DeleteOldRDN: true,
		NewSuperior:  "ou=groups,dc=example,dc=com",
	}))

	moved := "uid=captain,ou=groups,dc=example,dc=com"
	result, err := client.Search(ctx, &ldapclient.SearchRequest{
		BaseDN: "dc=example,dc=com",
		Scope:  ldapclient.ScopeWholeSubtree,
		Filter: "(mail=carol@example.com)",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, moved, result.Entries[0].DN)
	assert.Equal(t, []string{"captain"}, result.Entries[0].GetAttributeValues("uid"))
	assert.Empty(t, result.Entries[0].GetAttributeValues("sn"))

	require.NoError(t, client.Delete(ctx, moved))

	err = client.Delete(ctx, moved)
	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject))
	assert.Equal(t, ldapclient.ErrorCategoryNotFound, ldapclient.GetErrorCategory(err))

	whoami, err := client.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, managerDN, whoami.DN)

	require.NoError(t, client.Ping(ctx))
	assert.Positive(t, client.Stats().Created)
}

func TestClientDirectoryErrors(t *testing.T) {
	ctx := t.Context()
	client := newDirectoryClient(t)

	err := client.Add(ctx, &ldapclient.AddRequest{
		DN:         "ou=people,dc=example,dc=com",
		Attributes: map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"people"}},
	})
	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists))
	assert.Equal(t, ldapclient.ErrorCategoryConflict, ldapclient.GetErrorCategory(err))

	err = client.Delete(ctx, "dc=example,dc=com")
	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultNotAllowedOnNonLeaf))

	result, err := client.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:    "dc=example,dc=com",
		Scope:     ldapclient.ScopeWholeSubtree,
		SizeLimit: 1,
	})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
	assert.True(t, result.HasMore)
}
