/*
Package ldaptest runs a disposable in-memory LDAP directory around units
of test logic.

A Fixture owns one directory server. Wrap (or Apply, Run and Setup)
starts the server before the unit runs and always tears it down
afterwards: the connection and directory context handed out during the
run are closed, failures to close them are logged, and the server is
force-stopped last. Errors, panics and t.FailNow from the unit reach the
caller unchanged.

Handles are only available while a run is in progress; outside one,
Connection and DirContext fail with ErrNotStarted. Within a run each is
created on first use and cached, and the two are independent.

# Building a fixture

	func TestLookup(t *testing.T) {
		fixture := ldaptest.NewBuilder().
			UsingDomainDSN("dc=example,dc=com").
			ImportingLDIFs("base.ldif", "users.ldif").
			MustBuild(t)

		fixture.Run(t, func() {
			conn, err := fixture.Connection()
			require.NoError(t, err)
			// ...
		})
	}

LDIF references are resolved by DefaultResolver: as given, then under
testdata/. They are imported in order and additively before the first
run. The fixture binds directory contexts as "cn=Directory manager" with
password "password" unless UsingBindDSN and UsingBindCredentials say
otherwise.

# Logging

The fixture logs through the tflog "fixture" subsystem of the context
passed to WithLogContext; the server logs under "directory".
*/
package ldaptest
