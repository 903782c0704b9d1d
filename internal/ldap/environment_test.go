package ldap

import (
	"strings"
	"testing"
)

func TestConfigFromEnvironment(t *testing.T) {
	base := func(extra map[string]string) map[string]string {
		env := map[string]string{
			EnvControlFactories:      ControlFactoryDefault,
			EnvProviderURL:           "ldap://127.0.0.1:10389",
			EnvInitialContextFactory: ContextFactoryPooled,
		}
		for k, v := range extra {
			env[k] = v
		}
		return env
	}

	tests := []struct {
		name         string
		env          map[string]string
		wantErr      string
		wantURLs     []string
		wantUsername string
		wantPassword string
	}{
		{
			name:     "anonymous",
			env:      base(nil),
			wantURLs: []string{"ldap://127.0.0.1:10389"},
		},
		{
			name: "simple authentication",
			env: base(map[string]string{
				EnvSecurityAuthentication: AuthenticationSimple,
				EnvSecurityPrincipal:      "cn=Directory manager",
				EnvSecurityCredentials:    "password",
			}),
			wantURLs:     []string{"ldap://127.0.0.1:10389"},
			wantUsername: "cn=Directory manager",
			wantPassword: "password",
		},
		{
			name: "principal without mechanism defaults to simple",
			env: base(map[string]string{
				EnvSecurityPrincipal:   "cn=admin",
				EnvSecurityCredentials: "secret",
			}),
			wantURLs:     []string{"ldap://127.0.0.1:10389"},
			wantUsername: "cn=admin",
			wantPassword: "secret",
		},
		{
			name: "mechanism none ignores principal",
			env: base(map[string]string{
				EnvSecurityAuthentication: AuthenticationNone,
				EnvSecurityPrincipal:      "cn=admin",
			}),
			wantURLs: []string{"ldap://127.0.0.1:10389"},
		},
		{
			name: "several provider URLs",
			env: base(map[string]string{
				EnvProviderURL: "ldap://127.0.0.1:1 ldap://127.0.0.1:2",
			}),
			wantURLs: []string{"ldap://127.0.0.1:1", "ldap://127.0.0.1:2"},
		},
		{
			name:    "missing provider URL",
			env:     map[string]string{EnvControlFactories: ControlFactoryDefault},
			wantErr: EnvProviderURL,
		},
		{
			name:    "bad provider URL",
			env:     base(map[string]string{EnvProviderURL: "http://127.0.0.1"}),
			wantErr: "unsupported scheme",
		},
		{
			name:    "unknown context factory",
			env:     base(map[string]string{EnvInitialContextFactory: "com.example.Factory"}),
			wantErr: "unsupported context factory",
		},
		{
			name:    "unknown control factory",
			env:     base(map[string]string{EnvControlFactories: "com.example.Controls"}),
			wantErr: "unsupported control factory",
		},
		{
			name:    "unsupported mechanism",
			env:     base(map[string]string{EnvSecurityAuthentication: "GSSAPI"}),
			wantErr: "unsupported authentication mechanism",
		},
		{
			name:    "principal without credentials",
			env:     base(map[string]string{EnvSecurityPrincipal: "cn=admin"}),
			wantErr: "without",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ConfigFromEnvironment(tt.env)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ConfigFromEnvironment() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Fatalf("ConfigFromEnvironment() unexpected error: %v", err)
			}

			if strings.Join(config.LDAPURLs, " ") != strings.Join(tt.wantURLs, " ") {
				t.Errorf("LDAPURLs = %v, want %v", config.LDAPURLs, tt.wantURLs)
			}

			if config.Username != tt.wantUsername {
				t.Errorf("Username = %q, want %q", config.Username, tt.wantUsername)
			}

			if config.Password != tt.wantPassword {
				t.Errorf("Password = %q, want %q", config.Password, tt.wantPassword)
			}

			if config.MaxRetries != 0 {
				t.Errorf("MaxRetries = %d, want 0", config.MaxRetries)
			}
		})
	}
}

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		url      string
		wantErr  bool
		wantHost string
		wantPort int
		wantTLS  bool
	}{
		{url: "ldap://127.0.0.1:10389", wantHost: "127.0.0.1", wantPort: 10389},
		{url: "ldap://localhost", wantHost: "localhost", wantPort: 389},
		{url: "ldaps://dc.example.com", wantHost: "dc.example.com", wantPort: 636, wantTLS: true},
		{url: "ldap://[::1]:1389", wantHost: "::1", wantPort: 1389},
		{url: "", wantErr: true},
		{url: "http://127.0.0.1", wantErr: true},
		{url: "ldap://:389", wantErr: true},
		{url: "ldap://127.0.0.1:99999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			server, err := ParseLDAPURL(tt.url)

			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLDAPURL(%q) expected error", tt.url)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseLDAPURL(%q) unexpected error: %v", tt.url, err)
			}

			if server.Host != tt.wantHost || server.Port != tt.wantPort || server.UseTLS != tt.wantTLS {
				t.Errorf("ParseLDAPURL(%q) = %+v", tt.url, server)
			}
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	tests := []struct {
		server *ServerInfo
		want   string
	}{
		{&ServerInfo{Host: "127.0.0.1", Port: 10389}, "ldap://127.0.0.1:10389"},
		{&ServerInfo{Host: "dc.example.com", Port: 636, UseTLS: true}, "ldaps://dc.example.com:636"},
		{&ServerInfo{Host: "::1", Port: 389}, "ldap://[::1]:389"},
	}

	for _, tt := range tests {
		if got := ServerInfoToURL(tt.server); got != tt.want {
			t.Errorf("ServerInfoToURL(%+v) = %q, want %q", tt.server, got, tt.want)
		}
	}
}
