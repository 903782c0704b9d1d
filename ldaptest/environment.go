package ldaptest

import (
	"maps"
	"net"
	"strconv"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// Environment keys understood by DirContext.
const (
	ControlFactories       = ldapclient.EnvControlFactories
	ProviderURL            = ldapclient.EnvProviderURL
	InitialContextFactory  = ldapclient.EnvInitialContextFactory
	SecurityAuthentication = ldapclient.EnvSecurityAuthentication
	SecurityPrincipal      = ldapclient.EnvSecurityPrincipal
	SecurityCredentials    = ldapclient.EnvSecurityCredentials
)

// LoopbackHost is the host clients use to reach the fixture's server.
const LoopbackHost = "127.0.0.1"

// Environment is the settings mapping a directory client is built from.
type Environment map[string]string

// Clone returns a copy of e.
func (e Environment) Clone() Environment {
	return maps.Clone(e)
}

// AuthenticationConfig contributes bind settings to an Environment.
type AuthenticationConfig interface {
	Environment() map[string]string
}

// SimpleAuthentication binds with a DN and password.
type SimpleAuthentication struct {
	BindDN   string
	Password string
}

// Environment implements AuthenticationConfig.
func (a SimpleAuthentication) Environment() map[string]string {
	return map[string]string{
		SecurityAuthentication: ldapclient.AuthenticationSimple,
		SecurityPrincipal:      a.BindDN,
		SecurityCredentials:    a.Password,
	}
}

// BuildEnvironment returns the settings for reaching a server on
// host:port. Entries from auth are merged last and win on conflict; a
// nil auth leaves the connection anonymous.
func BuildEnvironment(host string, port int, auth AuthenticationConfig) Environment {
	env := Environment{
		ControlFactories:      ldapclient.ControlFactoryDefault,
		ProviderURL:           "ldap://" + net.JoinHostPort(host, strconv.Itoa(port)),
		InitialContextFactory: ldapclient.ContextFactoryPooled,
	}

	if auth != nil {
		maps.Copy(env, auth.Environment())
	}

	return env
}
