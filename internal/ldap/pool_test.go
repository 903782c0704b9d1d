package ldap

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	// Loopback directories speak plain LDAP
	if config.UseTLS {
		t.Error("Default config should not use TLS")
	}

	if !config.SkipTLS {
		t.Error("Default config should skip TLS")
	}

	if config.TLSConfig == nil {
		t.Error("Default config should still carry a TLS config")
	}

	if config.MaxConnections != 4 {
		t.Errorf("MaxConnections = %d, want 4", config.MaxConnections)
	}

	if config.MaxIdleTime != 5*time.Minute {
		t.Errorf("MaxIdleTime = %v, want 5m", config.MaxIdleTime)
	}

	if config.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", config.Timeout)
	}

	if config.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", config.MaxRetries)
	}

	if err := validateConfig(config); err != nil {
		t.Errorf("DefaultConfig() does not validate: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func(mutate func(*ConnectionConfig)) *ConnectionConfig {
		config := DefaultConfig()
		mutate(config)
		return config
	}

	tests := []struct {
		name    string
		config  *ConnectionConfig
		wantErr bool
	}{
		{"valid config", DefaultConfig(), false},
		{"zero max connections", valid(func(c *ConnectionConfig) { c.MaxConnections = 0 }), true},
		{"too many max connections", valid(func(c *ConnectionConfig) { c.MaxConnections = 200 }), true},
		{"zero max idle time", valid(func(c *ConnectionConfig) { c.MaxIdleTime = 0 }), true},
		{"zero timeout", valid(func(c *ConnectionConfig) { c.Timeout = 0 }), true},
		{"negative max retries", valid(func(c *ConnectionConfig) { c.MaxRetries = -1 }), true},
		{"invalid backoff factor", valid(func(c *ConnectionConfig) { c.BackoffFactor = 1.0 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config)

			if tt.wantErr && err == nil {
				t.Errorf("validateConfig() expected error but got none")
			}

			if !tt.wantErr && err != nil {
				t.Errorf("validateConfig() unexpected error: %v", err)
			}
		})
	}
}

func TestConnectionPool_CreateWithoutURLs(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = nil

	_, err := NewConnectionPool(t.Context(), config)
	if err == nil {
		t.Error("Expected error when creating pool without URLs")
	}
}

func TestConnectionPool_CreateWithURLs(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = []string{"ldap://127.0.0.1:10389", "ldaps://127.0.0.1:10636"}

	pool, err := NewConnectionPool(t.Context(), config)
	if err != nil {
		t.Fatalf("Failed to create pool with URLs: %v", err)
	}

	if pool == nil {
		t.Fatal("Pool creation returned nil")
	}

	pool.Close()
}

func TestConnectionPool_CreateWithInvalidURL(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = []string{"http://127.0.0.1"}

	_, err := NewConnectionPool(t.Context(), config)
	if err == nil {
		t.Error("Expected error when creating pool with invalid URL")
	}
}

func TestConnectionPool_Stats(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = []string{"ldap://127.0.0.1:10389"}

	pool, err := NewConnectionPool(t.Context(), config)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	stats := pool.Stats()

	if stats.Active != 0 {
		t.Errorf("Initial active connections = %d, want 0", stats.Active)
	}

	if stats.Created != 0 {
		t.Errorf("Initial created connections = %d, want 0", stats.Created)
	}

	if stats.Uptime <= 0 {
		t.Errorf("Uptime should be positive, got %v", stats.Uptime)
	}
}

// A refused dial surfaces unchanged when retries are disabled.
func TestConnectionPool_GetRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	config := DefaultConfig()
	config.Timeout = time.Second
	config.LDAPURLs = []string{"ldap://127.0.0.1:" + strconv.Itoa(port)}

	pool, err := NewConnectionPool(t.Context(), config)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	_, err = pool.Get(t.Context())
	if err == nil {
		t.Fatal("Expected error dialing a closed port")
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		t.Errorf("error should not be wrapped in ConnectionError without retries: %v", err)
	}

	if pool.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", pool.Stats().Errors)
	}
}

func TestConnectionPool_CloseBeforeUse(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = []string{"ldap://127.0.0.1:10389"}
	config.HealthCheck = time.Hour

	pool, err := NewConnectionPool(t.Context(), config)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	if _, err := pool.Get(t.Context()); err == nil {
		t.Error("Expected error when getting connection from closed pool")
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestPooledConnection_Methods(t *testing.T) {
	serverInfo := &ServerInfo{
		Host:   "127.0.0.1",
		Port:   10389,
		Source: "test",
	}

	conn := &PooledConnection{
		lastUsed:   time.Now(),
		healthy:    true,
		serverInfo: serverInfo,
	}

	if conn.ServerInfo() != serverInfo {
		t.Error("ServerInfo() returned wrong value")
	}

	if !conn.IsHealthy() {
		t.Error("IsHealthy() should return true")
	}

	if conn.LastUsed().IsZero() {
		t.Error("LastUsed() should not be zero")
	}

	// Close with nil returnToPool is a no-op
	conn.Close()

	returned := false
	conn.returnToPool = func(*PooledConnection) { returned = true }
	conn.Close()
	if !returned {
		t.Error("Close() should hand the connection back to its pool")
	}
}

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("test operation failed", true, nil)

	if err.Error() != "test operation failed" {
		t.Errorf("Error() = %s, want 'test operation failed'", err.Error())
	}

	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}

	cause := errors.New("connection reset")
	wrapped := NewConnectionError("dial failed", false, cause)

	if wrapped.Error() != "dial failed: connection reset" {
		t.Errorf("Error() = %s", wrapped.Error())
	}

	if !errors.Is(wrapped, cause) {
		t.Error("ConnectionError should unwrap to its cause")
	}
}
