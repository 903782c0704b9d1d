package ldap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	ctx    context.Context // Context with configured subsystems for logging
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	ctx = NewSubsystemContext(ctx, Subsystem)

	tflog.SubsystemDebug(ctx, Subsystem, "Creating new LDAP client", map[string]any{
		"ldap_urls":       config.LDAPURLs,
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, Subsystem, "Failed to create connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &client{
		pool:   pool,
		config: config,
		ctx:    ctx,
	}, nil
}

// Connect acquires a connection from the pool, binding it when the
// configuration carries credentials, and pings the server with it.
// Connection and bind errors are returned as produced by go-ldap.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(c.ctx, Subsystem, "connect", map[string]any{
		"ldap_urls":   c.config.LDAPURLs,
		"auth_method": c.config.GetAuthMethod().String(),
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Bind authenticates a pooled connection as username.
func (c *client) Bind(ctx context.Context, username, password string) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = c.withRetry(ctx, func() error {
		return conn.Conn().Bind(username, password)
	})
	if err != nil {
		LogLDAPError(c.ctx, Subsystem, "bind", err, map[string]any{"username": username})
		// The connection is now bound as an unknown identity.
		conn.healthy = false
		return err
	}

	conn.authenticated = username == c.config.Username && password == c.config.Password
	if !conn.authenticated && c.config.HasAuthentication() {
		conn.healthy = false
	}
	return nil
}

// BindWithConfig performs authentication using the client's configuration.
func (c *client) BindWithConfig(ctx context.Context) error {
	if !c.config.HasAuthentication() {
		tflog.SubsystemError(c.ctx, Subsystem, "No authentication configuration available")
		return fmt.Errorf("no authentication configuration available")
	}

	return LogOperation(c.ctx, Subsystem, "authentication", map[string]any{
		"auth_method": c.config.GetAuthMethod().String(),
		"username":    c.config.Username,
	}, func() error {
		return c.Bind(ctx, c.config.Username, c.config.Password)
	})
}

// performSearch wraps a search with logging.
func (c *client) performSearch(operation string, fields map[string]any, searchFunc func() (*SearchResult, error)) (*SearchResult, error) {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(c.ctx, Subsystem, "Starting search operation", fields)

	result, err := searchFunc()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(c.ctx, Subsystem, "Search operation failed", fields)
		return nil, err
	}

	fields["entries_found"] = len(result.Entries)
	tflog.SubsystemDebug(c.ctx, Subsystem, "Search operation completed successfully", fields)

	return result, nil
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		tflog.SubsystemError(c.ctx, Subsystem, "Search request cannot be nil")
		return nil, fmt.Errorf("search request cannot be nil")
	}

	searchFields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
	}

	return c.performSearch("search", searchFields, func() (*SearchResult, error) {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		filter := req.Filter
		if filter == "" {
			filter = "(objectClass=*)"
		}

		ldapReq := ldap.NewSearchRequest(
			req.BaseDN,
			int(req.Scope),
			int(req.DerefAliases),
			req.SizeLimit,
			int(req.TimeLimit.Seconds()),
			req.TypesOnly,
			filter,
			req.Attributes,
			nil,
		)

		var result *ldap.SearchResult
		err = c.withRetry(ctx, func() error {
			var searchErr error
			result, searchErr = conn.Conn().Search(ldapReq)
			return searchErr
		})

		if err != nil {
			// A size limit overrun still carries the entries sent so far.
			if result != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
				return &SearchResult{Entries: result.Entries, Total: len(result.Entries), HasMore: true}, nil
			}
			LogLDAPError(c.ctx, Subsystem, "search", err, searchFields)
			return nil, fmt.Errorf("search failed: %w", err)
		}

		hasMore := req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit

		return &SearchResult{
			Entries: result.Entries,
			Total:   len(result.Entries),
			HasMore: hasMore,
		}, nil
	})
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		ldapReq.Attribute(attr, values)
	}

	return WrapErrorWithDN("add", req.DN, c.withRetry(ctx, func() error {
		return conn.Conn().Add(ldapReq)
	}))
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewModifyRequest(req.DN, nil)

	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}

	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}

	for _, attr := range req.DeleteAttributes {
		ldapReq.Delete(attr, []string{})
	}

	return WrapErrorWithDN("modify", req.DN, c.withRetry(ctx, func() error {
		return conn.Conn().Modify(ldapReq)
	}))
}

// ModifyDN moves or renames an LDAP entry.
func (c *client) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	if req == nil {
		return fmt.Errorf("modify DN request cannot be nil")
	}

	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if req.NewRDN == "" {
		return fmt.Errorf("new RDN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewModifyDNRequest(req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior)

	return WrapErrorWithDN("modify_dn", req.DN, c.withRetry(ctx, func() error {
		return conn.Conn().ModifyDN(ldapReq)
	}))
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewDelRequest(dn, nil)

	return WrapErrorWithDN("delete", dn, c.withRetry(ctx, func() error {
		return conn.Conn().Del(ldapReq)
	}))
}

// Compare tests whether the entry at dn holds value for attribute.
func (c *client) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	if dn == "" {
		return false, fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var matched bool
	err = c.withRetry(ctx, func() error {
		var compareErr error
		matched, compareErr = conn.Conn().Compare(dn, attribute, value)
		return compareErr
	})
	if err != nil {
		return false, WrapErrorWithDN("compare", dn, err)
	}

	return matched, nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

// ping reads the root DSE over conn.
func (c *client) ping(conn *PooledConnection) error {
	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	)

	_, err := conn.Conn().Search(searchReq)
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(c.ctx, Subsystem, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	if c.config.MaxRetries == 0 {
		return lastErr
	}

	tflog.SubsystemError(c.ctx, Subsystem, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// WhoAmI performs the LDAP Who Am I? extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var result *ldap.WhoAmIResult
	err = c.withRetry(ctx, func() error {
		var whoamiErr error
		result, whoamiErr = conn.Conn().WhoAmI(nil)
		return whoamiErr
	})

	if err != nil {
		return nil, fmt.Errorf("WhoAmI operation failed: %w", err)
	}

	if result == nil {
		return nil, fmt.Errorf("WhoAmI operation returned nil result")
	}

	return ParseAuthzID(result.AuthzID), nil
}

// ParseAuthzID splits an RFC 4513 authorization identity into its form.
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}

	switch {
	case authzID == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:"):
		result.Format = "dn"
		result.DN = strings.TrimPrefix(authzID, "dn:")
	case strings.HasPrefix(authzID, "u:"):
		result.Format = "u"
	default:
		result.Format = "unknown"
	}

	return result
}

// GetBaseDN returns the configured base DN, or the first naming context
// advertised by the root DSE.
func (c *client) GetBaseDN(ctx context.Context) (string, error) {
	if c.config.BaseDN != "" {
		return c.config.BaseDN, nil
	}

	searchReq := &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"namingContexts"},
		SizeLimit:  1,
		TimeLimit:  5 * time.Second,
	}

	result, err := c.Search(ctx, searchReq)
	if err != nil {
		return "", fmt.Errorf("failed to get base DN: %w", err)
	}

	if len(result.Entries) == 0 {
		return "", fmt.Errorf("no root DSE found")
	}

	baseDN := result.Entries[0].GetAttributeValue("namingContexts")
	if baseDN == "" {
		return "", fmt.Errorf("no namingContexts found in root DSE")
	}

	return baseDN, nil
}
