package ldap

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Environment keys recognized by ConfigFromEnvironment. The control
// factories key is validated only: go-ldap always decodes response controls
// with its own table, so ControlFactoryDefault is the one accepted value.
const (
	EnvControlFactories       = "ldap.control.factories"
	EnvProviderURL            = "ldap.provider.url"
	EnvInitialContextFactory  = "ldap.initial.context.factory"
	EnvSecurityAuthentication = "ldap.security.authentication"
	EnvSecurityPrincipal      = "ldap.security.principal"
	EnvSecurityCredentials    = "ldap.security.credentials"
	EnvBaseDN                 = "ldap.base.dn"
)

// Identifiers accepted for the factory keys.
const (
	// ControlFactoryDefault decodes response controls with go-ldap's
	// built-in control table.
	ControlFactoryDefault = "ldap.DecodeControl"

	// ContextFactoryPooled builds a pooled Client.
	ContextFactoryPooled = "ldap.NewClient"

	AuthenticationNone   = "none"
	AuthenticationSimple = "simple"
)

// ConfigFromEnvironment derives a ConnectionConfig from an environment
// mapping. Only the provider URL is required; unknown keys are ignored.
func ConfigFromEnvironment(env map[string]string) (*ConnectionConfig, error) {
	config := DefaultConfig()

	if factory, ok := env[EnvInitialContextFactory]; ok && factory != ContextFactoryPooled {
		return nil, fmt.Errorf("unsupported context factory %q", factory)
	}

	if factory, ok := env[EnvControlFactories]; ok && factory != ControlFactoryDefault {
		return nil, fmt.Errorf("unsupported control factory %q", factory)
	}

	providerURL := strings.TrimSpace(env[EnvProviderURL])
	if providerURL == "" {
		return nil, fmt.Errorf("environment is missing %s", EnvProviderURL)
	}
	for _, u := range strings.Fields(providerURL) {
		if _, err := ParseLDAPURL(u); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvProviderURL, err)
		}
		config.LDAPURLs = append(config.LDAPURLs, u)
	}

	config.BaseDN = env[EnvBaseDN]

	switch mechanism := env[EnvSecurityAuthentication]; mechanism {
	case "", AuthenticationSimple:
		config.Username = env[EnvSecurityPrincipal]
		config.Password = env[EnvSecurityCredentials]
	case AuthenticationNone:
	default:
		return nil, fmt.Errorf("unsupported authentication mechanism %q", mechanism)
	}

	if config.Username != "" && config.Password == "" {
		return nil, fmt.Errorf("%s is set without %s", EnvSecurityPrincipal, EnvSecurityCredentials)
	}

	return config, nil
}

// NewClientFromEnvironment builds a Client from an environment mapping
// and verifies it by acquiring (and, when credentials are present,
// binding) a first connection.
func NewClientFromEnvironment(ctx context.Context, env map[string]string) (Client, error) {
	config, err := ConfigFromEnvironment(env)
	if err != nil {
		return nil, err
	}

	c, err := NewClient(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into a ServerInfo.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	server := &ServerInfo{Source: "config"}
	switch u.Scheme {
	case "ldap":
		server.Port = 389
	case "ldaps":
		server.UseTLS = true
		server.Port = 636
	default:
		return nil, fmt.Errorf("unsupported scheme, must be ldap:// or ldaps://")
	}

	server.Host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, ValidateServerInfo(server)
}

// ValidateServerInfo checks that a server has a usable host and port.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}
	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port %d", server.Port)
	}
	return nil
}

// ServerInfoToURL renders a ServerInfo back into an LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}
