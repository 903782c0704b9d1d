/*
Package ldap provides the directory-context client used to talk to an
LDAP server, typically the in-memory directory started by a test fixture.

# Architecture Overview

  - Client: high-level operations over a pooled set of go-ldap connections
  - ConnectionPool: connection reuse, health checks and optional retry
  - Environment: string key/value connection settings (provider URL,
    factories, security principal and credentials) turned into a
    ConnectionConfig by ConfigFromEnvironment
  - DN helpers: RFC 4514 escaping and case-insensitive DN comparison keys

# Connection Management

NewClientFromEnvironment is the usual entry point. It validates the
environment, builds a pool, and acquires a first connection so that
unreachable servers and rejected binds surface immediately. Retries are
disabled by default: against a loopback server a failure is final, and
the go-ldap error is returned unchanged so callers can inspect its
result code.

# Error Handling

Operation failures are wrapped in LDAPError, which keeps the go-ldap
result code, a category and the DN involved. errors.As still reaches the
underlying *ldap.Error.

# Logging

All operations log through the tflog "ldap" subsystem. The level is read
from EMBEDDED_LDAP_LOG_LDAP. Credentials are redacted by SanitizeFields.

# Example Usage

	client, err := ldap.NewClientFromEnvironment(ctx, map[string]string{
		ldap.EnvProviderURL:         "ldap://127.0.0.1:10389",
		ldap.EnvSecurityPrincipal:   "cn=Directory manager",
		ldap.EnvSecurityCredentials: "password",
	})
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Search(ctx, &ldap.SearchRequest{
		BaseDN: "dc=example,dc=com",
		Scope:  ldap.ScopeWholeSubtree,
		Filter: "(uid=jdoe)",
	})
*/
package ldap
