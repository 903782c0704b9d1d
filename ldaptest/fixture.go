package ldaptest

import (
	"context"
	"fmt"
	"maps"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/embedded-ldap/internal/ldap"
)

// Subsystem is the tflog subsystem used by fixtures.
const Subsystem = "fixture"

// Server is the directory a Fixture drives. *directory.Server
// implements it.
type Server interface {
	StartListening() error
	ShutDown(closeExistingConnections bool)
	ListenPort() int
	Connection() (*ldap.Conn, error)
	ImportFromLDIF(clear bool, path string) (int, error)
}

// DirContext is the pooled directory client handed out by a Fixture.
type DirContext = ldapclient.Client

// Request and result types used with a DirContext.
type (
	SearchRequest   = ldapclient.SearchRequest
	SearchResult    = ldapclient.SearchResult
	AddRequest      = ldapclient.AddRequest
	ModifyRequest   = ldapclient.ModifyRequest
	ModifyDNRequest = ldapclient.ModifyDNRequest
	WhoAmIResult    = ldapclient.WhoAmIResult
)

// Context is the generic directory access a DirContext provides.
type Context interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Statement is a unit of test logic.
type Statement func() error

// Description identifies the test a Statement belongs to.
type Description struct {
	Name string
}

type lifecycleState int

const (
	notStarted lifecycleState = iota
	started
)

// Fixture runs a Server around units of test logic and hands out client
// handles to it. A Fixture is used by one test goroutine at a time.
type Fixture struct {
	server Server
	auth   AuthenticationConfig
	host   string
	ctx    context.Context

	newDirContext func(context.Context, Environment) (DirContext, error)

	state  lifecycleState
	conn   *ldap.Conn
	dirCtx DirContext
}

// NewFixture wraps a non-listening server. auth may be nil for anonymous
// directory contexts.
func NewFixture(ctx context.Context, server Server, auth AuthenticationConfig) *Fixture {
	return &Fixture{
		server: server,
		auth:   auth,
		host:   LoopbackHost,
		ctx:    ldapclient.NewSubsystemContext(ctx, Subsystem),
		newDirContext: func(ctx context.Context, env Environment) (DirContext, error) {
			return ldapclient.NewClientFromEnvironment(ctx, env)
		},
	}
}

// Server returns the wrapped server.
func (f *Fixture) Server() Server {
	return f.server
}

// Wrap returns a Statement that starts the server, runs base and tears
// down. Teardown happens however base ends, including panics and
// runtime.Goexit, and never replaces base's outcome.
func (f *Fixture) Wrap(base Statement) Statement {
	return f.Apply(base, Description{})
}

// Apply is Wrap for test runners that describe the test being run.
func (f *Fixture) Apply(base Statement, desc Description) Statement {
	return func() error {
		if err := f.start(desc); err != nil {
			return err
		}
		defer f.teardown(desc)

		return base()
	}
}

// Run runs fn inside the fixture lifecycle as the test t. A failure to
// start the server fails the test.
func (f *Fixture) Run(t testing.TB, fn func()) {
	t.Helper()

	err := f.Apply(func() error {
		fn()
		return nil
	}, Description{Name: t.Name()})()
	if err != nil {
		t.Fatalf("embedded directory: %v", err)
	}
}

// Setup starts the server and registers teardown with t.Cleanup, for
// tests that prefer not to nest their body in Run.
func (f *Fixture) Setup(t testing.TB) {
	t.Helper()

	desc := Description{Name: t.Name()}
	if err := f.start(desc); err != nil {
		t.Fatalf("embedded directory: %v", err)
	}
	t.Cleanup(func() { f.teardown(desc) })
}

func (f *Fixture) start(desc Description) error {
	if err := f.server.StartListening(); err != nil {
		tflog.SubsystemError(f.ctx, Subsystem, "Failed to start embedded directory", map[string]any{
			"test":  desc.Name,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to start embedded directory: %w", err)
	}
	f.state = started

	tflog.SubsystemDebug(f.ctx, Subsystem, "Started embedded directory", map[string]any{
		"test": desc.Name,
		"port": f.server.ListenPort(),
	})
	return nil
}

// teardown closes the handles created during the run and stops the
// server. Failures are logged; the server is always stopped last.
func (f *Fixture) teardown(desc Description) {
	fields := map[string]any{"test": desc.Name}

	if f.conn != nil {
		conn := f.conn
		f.conn = nil
		f.bestEffort("close connection", fields, conn.Close)
	}

	if f.dirCtx != nil {
		dirCtx := f.dirCtx
		f.dirCtx = nil
		f.bestEffort("close directory context", fields, dirCtx.Close)
	}

	f.bestEffort("shut down server", fields, func() error {
		f.server.ShutDown(true)
		return nil
	})
	f.state = notStarted

	tflog.SubsystemDebug(f.ctx, Subsystem, "Stopped embedded directory", fields)
}

// bestEffort runs step, logging an error or panic instead of
// propagating it.
func (f *Fixture) bestEffort(step string, fields map[string]any, fn func() error) {
	logFields := maps.Clone(fields)
	logFields["step"] = step

	defer func() {
		if r := recover(); r != nil {
			logFields["panic"] = fmt.Sprint(r)
			tflog.SubsystemError(f.ctx, Subsystem, "Teardown step panicked", logFields)
		}
	}()

	if err := fn(); err != nil {
		logFields["error"] = err.Error()
		tflog.SubsystemWarn(f.ctx, Subsystem, "Teardown step failed", logFields)
	}
}

// Connection returns the run's raw protocol connection, opening it on
// first use. It fails with ErrNotStarted outside of a run.
func (f *Fixture) Connection() (*ldap.Conn, error) {
	if f.state != started {
		return nil, &StateError{Handle: "connection", Err: ErrNotStarted}
	}

	if f.conn == nil {
		conn, err := f.server.Connection()
		if err != nil {
			return nil, err
		}
		f.conn = conn
	}
	return f.conn, nil
}

// DirContext returns the run's directory client, built from Environment
// and bound on first use. It fails with ErrNotStarted outside of a run.
func (f *Fixture) DirContext() (DirContext, error) {
	if f.state != started {
		return nil, &StateError{Handle: "directory context", Err: ErrNotStarted}
	}

	if f.dirCtx == nil {
		dirCtx, err := f.newDirContext(f.ctx, f.Environment())
		if err != nil {
			return nil, err
		}
		f.dirCtx = dirCtx
	}
	return f.dirCtx, nil
}

// Context returns DirContext as a Context.
func (f *Fixture) Context() (Context, error) {
	dirCtx, err := f.DirContext()
	if err != nil {
		return nil, err
	}
	return dirCtx, nil
}

// Environment describes how to reach the server on its current port.
func (f *Fixture) Environment() Environment {
	return BuildEnvironment(f.host, f.server.ListenPort(), f.auth)
}
