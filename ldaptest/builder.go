package ldaptest

import (
	"context"
	"fmt"
	"maps"
	"net"
	"path/filepath"
	"slices"
	"testing"

	"github.com/creasty/defaults"

	"github.com/isometry/embedded-ldap/internal/directory"
	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// Builder assembles a Fixture. Settings left unset fall back to the
// loaded configuration file, if any, and then to the defaults.
type Builder struct {
	options  builderOptions
	config    *directory.Config
	configDir string
	resolver  Resolver
	ctx       context.Context
	err       error
}

type builderOptions struct {
	DomainDSN       string
	LDIFs           []string
	Address         string
	Port            int
	BindDSN         string `default:"cn=Directory manager"`
	BindCredentials string `default:"password"`
}

// NewBuilder returns a Builder for a dc=example,dc=com directory that
// accepts binds as "cn=Directory manager" with password "password".
func NewBuilder() *Builder {
	return &Builder{ctx: context.Background()}
}

// UsingDomainDSN sets the single base DN the directory serves.
func (b *Builder) UsingDomainDSN(dn string) *Builder {
	b.options.DomainDSN = dn
	return b
}

// ImportingLDIFs adds LDIF references imported before the first run.
func (b *Builder) ImportingLDIFs(refs ...string) *Builder {
	b.options.LDIFs = append(b.options.LDIFs, refs...)
	return b
}

// BindingToAddress sets the listen address.
func (b *Builder) BindingToAddress(address string) *Builder {
	b.options.Address = address
	return b
}

// BindingToPort sets a fixed listen port instead of a free one.
func (b *Builder) BindingToPort(port int) *Builder {
	b.options.Port = port
	return b
}

// UsingBindDSN sets the DN directory contexts bind as.
func (b *Builder) UsingBindDSN(dn string) *Builder {
	b.options.BindDSN = dn
	return b
}

// UsingBindCredentials sets the password directory contexts bind with.
func (b *Builder) UsingBindCredentials(password string) *Builder {
	b.options.BindCredentials = password
	return b
}

// WithResolver replaces DefaultResolver for LDIF references.
func (b *Builder) WithResolver(resolver Resolver) *Builder {
	b.resolver = resolver
	return b
}

// WithLogContext sets the context whose tflog loggers the fixture and
// server log to.
func (b *Builder) WithLogContext(ctx context.Context) *Builder {
	b.ctx = ctx
	return b
}

// FromConfig starts from an existing directory configuration.
func (b *Builder) FromConfig(cfg *directory.Config) *Builder {
	b.config = cfg
	return b
}

// FromConfigFile starts from a YAML directory configuration file.
// Relative LDIF references are looked up next to the file first.
func (b *Builder) FromConfigFile(path string) *Builder {
	cfg, err := directory.LoadConfig(path)
	if err != nil {
		b.err = err
		return b
	}
	b.configDir = filepath.Dir(path)
	return b.FromConfig(cfg)
}

// Build creates the server, imports the LDIF references and returns a
// Fixture that has not been started.
func (b *Builder) Build() (*Fixture, error) {
	if b.err != nil {
		return nil, &ConstructionError{Err: b.err}
	}

	opts := b.options
	opts.LDIFs = slices.Clone(opts.LDIFs)
	if err := defaults.Set(&opts); err != nil {
		return nil, &ConstructionError{Err: fmt.Errorf("failed to set default values: %w", err)}
	}

	cfg, err := b.serverConfig(opts)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	ctx := ldapclient.NewSubsystemContext(b.ctx, Subsystem)
	refs := append(slices.Clone(cfg.LDIFFiles), opts.LDIFs...)

	resolver := b.resolver
	if resolver == nil {
		resolver = DefaultResolver
	}
	if b.configDir != "" {
		resolver = relativeTo(b.configDir, resolver)
	}

	srv, err := createServer(ctx, cfg, refs, resolver)
	if err != nil {
		return nil, err
	}

	fixture := NewFixture(b.ctx, srv, SimpleAuthentication{BindDN: opts.BindDSN, Password: opts.BindCredentials})
	fixture.host = clientHost(cfg.ListenAddress)
	return fixture, nil
}

// MustBuild is Build for tests: a failure fails t.
func (b *Builder) MustBuild(t testing.TB) *Fixture {
	t.Helper()

	fixture, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build embedded directory: %v", err)
	}
	return fixture
}

// serverConfig merges the builder settings over the base configuration.
func (b *Builder) serverConfig(opts builderOptions) (*directory.Config, error) {
	var cfg directory.Config
	if b.config != nil {
		cfg = *b.config
	} else {
		base, err := directory.NewConfig()
		if err != nil {
			return nil, err
		}
		cfg = *base
	}

	if opts.DomainDSN != "" {
		cfg.BaseDNs = []string{opts.DomainDSN}
	}
	if opts.Address != "" {
		cfg.ListenAddress = opts.Address
	}
	if opts.Port != 0 {
		cfg.ListenPort = opts.Port
	}

	cfg.BindCredentials = maps.Clone(cfg.BindCredentials)
	if cfg.BindCredentials == nil {
		cfg.BindCredentials = make(map[string]string)
	}
	cfg.BindCredentials[opts.BindDSN] = opts.BindCredentials

	return &cfg, nil
}

// clientHost is the host clients dial for a listen address; wildcard
// addresses are reached over loopback.
func clientHost(address string) string {
	ip := net.ParseIP(address)
	if address == "" || (ip != nil && ip.IsUnspecified()) {
		return LoopbackHost
	}
	return address
}
