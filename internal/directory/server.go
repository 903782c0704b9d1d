package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// Subsystem is the tflog subsystem used by the directory server.
const Subsystem = "directory"

// InternalRootDN is recorded as creator and modifier of entries written
// outside of a client connection, such as LDIF imports.
const InternalRootDN = "cn=Internal Root User"

// ErrNotListening is returned by Connection when no listener is open.
var ErrNotListening = errors.New("directory server is not listening")

// Server is an in-memory LDAPv3 directory. It is created without a
// listener, so entries can be imported before clients connect.
type Server struct {
	ctx      context.Context
	config   *Config
	store    *Store
	metrics  *Metrics
	registry *prometheus.Registry

	credMu      sync.RWMutex
	credentials map[string]string

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a non-listening server for cfg. A nil cfg uses the
// defaults of NewConfig.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory configuration: %w", err)
	}

	store, err := NewStore(cfg.BaseDNs, !cfg.DisableOperationalAttributes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ctx:         ldapclient.NewSubsystemContext(ctx, Subsystem),
		config:      cfg,
		store:       store,
		registry:    prometheus.NewRegistry(),
		credentials: make(map[string]string),
		conns:       make(map[*conn]struct{}),
	}
	s.metrics = NewMetrics(s.registry, func() float64 { return float64(store.Len()) })

	for dn, password := range cfg.BindCredentials {
		if err := s.AddBindCredentials(dn, password); err != nil {
			return nil, err
		}
	}

	tflog.SubsystemDebug(s.ctx, Subsystem, "Created directory server", map[string]any{
		"base_dns":       cfg.BaseDNs,
		"listen_address": cfg.ListenAddress,
		"listen_port":    cfg.ListenPort,
	})

	return s, nil
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Store returns the backing entry store.
func (s *Server) Store() *Store {
	return s.store
}

// Metrics returns the server collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry holding the server collectors.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// AddBindCredentials lets clients bind as dn with password, whether or
// not dn exists as an entry.
func (s *Server) AddBindCredentials(dn, password string) error {
	key, err := ldapclient.NormalizeDN(dn)
	if err != nil {
		return fmt.Errorf("invalid bind DN %q: %w", dn, err)
	}
	if key == "" {
		return errors.New("bind DN cannot be empty")
	}
	if password == "" {
		return fmt.Errorf("bind DN %q has an empty password", dn)
	}

	s.credMu.Lock()
	defer s.credMu.Unlock()
	s.credentials[key] = password
	return nil
}

// StartListening opens the configured listener and serves clients in the
// background. A server that was shut down may be started again.
func (s *Server) StartListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("directory server already listening on %s", s.listener.Addr())
	}

	address := net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(s.config.ListenPort))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(listener)

	tflog.SubsystemInfo(s.ctx, Subsystem, "Directory server listening", map[string]any{
		"address": listener.Addr().String(),
	})
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				tflog.SubsystemError(s.ctx, Subsystem, "Accept failed", map[string]any{"error": err.Error()})
			}
			return
		}

		s.mu.Lock()
		if s.listener != listener {
			s.mu.Unlock()
			nc.Close()
			return
		}
		c := newConn(s, nc)
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.Connections.Inc()
		s.metrics.ActiveConnections.Inc()

		go func() {
			defer s.wg.Done()
			defer s.metrics.ActiveConnections.Dec()
			defer s.untrack(c)
			c.serve()
		}()
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ShutDown closes the listener. With closeExistingConnections set, open
// client connections are closed too and ShutDown waits for them to end.
// It is safe to call on a server that is not listening.
func (s *Server) ShutDown(closeExistingConnections bool) {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	var open []*conn
	if closeExistingConnections {
		for c := range s.conns {
			open = append(open, c)
		}
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range open {
		c.close()
	}
	if closeExistingConnections {
		s.wg.Wait()
	}

	tflog.SubsystemInfo(s.ctx, Subsystem, "Directory server shut down", map[string]any{
		"closed_connections": len(open),
	})
}

// ListenPort returns the bound port, or -1 when not listening.
func (s *Server) ListenPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return -1
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return -1
}

// URL returns the ldap:// URL of the listener, or "" when not listening.
func (s *Server) URL() string {
	port := s.ListenPort()
	if port < 0 {
		return ""
	}
	return "ldap://" + net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(port))
}

// Connection opens a new unauthenticated client connection to the server.
// The caller owns and must close it.
func (s *Server) Connection() (*ldap.Conn, error) {
	url := s.URL()
	if url == "" {
		return nil, ErrNotListening
	}

	conn, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return conn, nil
}

// ImportFromLDIF adds the entries of the LDIF file at path. When clear is
// set, existing entries are removed first. The import is all or nothing;
// it returns the number of entries added.
func (s *Server) ImportFromLDIF(clear bool, path string) (int, error) {
	fields := map[string]any{"path": path, "clear": clear}

	var count int
	err := ldapclient.LogOperation(s.ctx, Subsystem, "import_ldif", fields, func() error {
		entries, err := ReadLDIFFile(path)
		if err != nil {
			return err
		}

		count, err = s.store.Import(entries, clear, InternalRootDN)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.EntriesImported.Add(float64(count))
	return count, nil
}

// authenticate checks a simple bind. An empty DN and password binds
// anonymously and returns "".
func (s *Server) authenticate(dn, password string) (string, error) {
	if dn == "" {
		if password != "" {
			return "", resultError(ldap.LDAPResultInvalidCredentials, "", "anonymous bind with a password")
		}
		return "", nil
	}
	if password == "" {
		return "", resultError(ldap.LDAPResultUnwillingToPerform, "", "unauthenticated bind is not allowed")
	}

	key, err := normalize(dn)
	if err != nil {
		return "", err
	}

	s.credMu.RLock()
	expected, ok := s.credentials[key]
	s.credMu.RUnlock()
	if ok && expected == password {
		return dn, nil
	}

	entry, err := s.store.Get(dn)
	if err == nil && entry.HasValue("userPassword", password) {
		return entry.DN, nil
	}

	return "", resultError(ldap.LDAPResultInvalidCredentials, "", "invalid credentials for %s", dn)
}
