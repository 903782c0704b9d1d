package directory

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// Config describes an in-memory directory.
type Config struct {
	// BaseDNs are the naming contexts the directory serves. Entries can
	// only be added at a base DN or below an existing entry.
	BaseDNs []string `yaml:"base_dns" default:"[\"dc=example,dc=com\"]"`

	// ListenAddress is the interface StartListening binds to.
	ListenAddress string `yaml:"listen_address" default:"127.0.0.1"`

	// ListenPort is the TCP port; zero picks a free port on each start.
	ListenPort int `yaml:"listen_port"`

	// BindCredentials maps additional bind DNs to their passwords. These
	// identities need not exist as entries.
	BindCredentials map[string]string `yaml:"bind_credentials"`

	// LDIFFiles are imported by callers that build a directory from a
	// configuration file.
	LDIFFiles []string `yaml:"ldif_files"`

	// MaxSizeLimit caps the entries returned by one search; zero means
	// the client's own limit applies.
	MaxSizeLimit int `yaml:"max_size_limit"`

	// DisableOperationalAttributes suppresses entryUUID, createTimestamp
	// and friends.
	DisableOperationalAttributes bool `yaml:"disable_operational_attributes"`

	// RequireAuthentication rejects every operation other than bind from
	// anonymous connections.
	RequireAuthentication bool `yaml:"require_authentication"`
}

// NewConfig returns a Config with defaults applied.
func NewConfig() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file. Fields absent from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration describes a usable directory.
func (c *Config) Validate() error {
	var errs []error

	if len(c.BaseDNs) == 0 {
		errs = append(errs, errors.New("at least one base DN is required"))
	}

	for _, baseDN := range c.BaseDNs {
		if err := ldapclient.ValidateDNSyntax(baseDN); err != nil {
			errs = append(errs, fmt.Errorf("base DN %q: %w", baseDN, err))
		}
	}

	if net.ParseIP(c.ListenAddress) == nil && c.ListenAddress != "localhost" {
		errs = append(errs, fmt.Errorf("listen address %q is not an IP address", c.ListenAddress))
	}

	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}

	if c.MaxSizeLimit < 0 {
		errs = append(errs, errors.New("max size limit cannot be negative"))
	}

	for dn, password := range c.BindCredentials {
		if err := ldapclient.ValidateDNSyntax(dn); err != nil {
			errs = append(errs, fmt.Errorf("bind DN %q: %w", dn, err))
		}
		if password == "" {
			errs = append(errs, fmt.Errorf("bind DN %q has an empty password", dn))
		}
	}

	return errors.Join(errs...)
}
