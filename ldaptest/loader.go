package ldaptest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/embedded-ldap/internal/directory"
)

// Resolver maps an LDIF reference to a file path.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ref string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ref string) (string, error) {
	return f(ref)
}

// DirResolver looks references up as given and then below each of Dirs.
type DirResolver struct {
	Dirs []string
}

// DefaultResolver finds references as given or under testdata/.
var DefaultResolver Resolver = DirResolver{Dirs: []string{"testdata"}}

// Resolve implements Resolver.
func (r DirResolver) Resolve(ref string) (string, error) {
	candidates := []string{ref}
	if !filepath.IsAbs(ref) {
		for _, dir := range r.Dirs {
			candidates = append(candidates, filepath.Join(dir, ref))
		}
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrResourceNotFound, ref)
}

// relativeTo resolves relative references against dir before falling
// back to next.
func relativeTo(dir string, next Resolver) Resolver {
	return ResolverFunc(func(ref string) (string, error) {
		if !filepath.IsAbs(ref) {
			path := filepath.Join(dir, ref)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
		return next.Resolve(ref)
	})
}

// createServer builds a non-listening server for cfg and imports each
// LDIF reference into it, in order and additively. No server is returned
// when any step fails.
func createServer(ctx context.Context, cfg *directory.Config, refs []string, resolver Resolver) (*directory.Server, error) {
	srv, err := directory.NewServer(ctx, cfg)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	if resolver == nil {
		resolver = DefaultResolver
	}

	for _, ref := range refs {
		path, err := resolver.Resolve(ref)
		if err != nil {
			return nil, err
		}

		count, err := srv.ImportFromLDIF(false, path)
		if err != nil {
			return nil, &ImportError{Resource: ref, Path: path, Err: err}
		}

		tflog.SubsystemDebug(ctx, Subsystem, "Imported LDIF resource", map[string]any{
			"resource": ref,
			"path":     path,
			"entries":  count,
		})
	}

	return srv, nil
}
