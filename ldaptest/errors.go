package ldaptest

import (
	"errors"
	"fmt"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

var (
	// ErrNotStarted is returned when a client handle is requested outside
	// of a wrapped run.
	ErrNotStarted = errors.New("embedded directory has not been started")

	// ErrResourceNotFound is returned when an LDIF reference cannot be
	// resolved to a file.
	ErrResourceNotFound = errors.New("LDIF resource not found")
)

// StateError reports a handle requested in the wrong lifecycle state.
type StateError struct {
	Handle string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot open %s: %v", e.Handle, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// ConstructionError reports a directory server that could not be created.
type ConstructionError struct {
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("failed to create embedded directory: %v", e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ImportError reports an LDIF resource that could not be imported.
type ImportError struct {
	Resource string
	Path     string
	Err      error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("failed to import LDIF resource %q from %s: %v", e.Resource, e.Path, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// Predicates classifying errors returned by a DirContext.
var (
	IsNotFound       = ldapclient.IsNotFoundError
	IsConflict       = ldapclient.IsConflictError
	IsAuthentication = ldapclient.IsAuthenticationError
	IsPermission     = ldapclient.IsPermissionError
)
