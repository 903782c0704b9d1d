package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/isometry/embedded-ldap/internal/directory"
	"github.com/isometry/embedded-ldap/ldaptest"
)

type serveOptions struct {
	configFile   string
	baseDN       string
	address      string
	port         int
	ldifFiles    []string
	bindDN       string
	bindPassword string

	metricsAddress string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a directory until interrupted",
		Long: `Run an in-memory directory seeded from LDIF files until SIGINT or SIGTERM.

The directory URL is printed to stdout once the server is listening.`,
		Example: `  embedded-ldap serve --ldif base.ldif --ldif users.ldif --port 10389
  embedded-ldap serve --config directory.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML directory configuration file")
	flags.StringVar(&opts.baseDN, "base-dn", "", "base DN served by the directory (default dc=example,dc=com)")
	flags.StringVar(&opts.address, "address", "", "listen address (default 127.0.0.1)")
	flags.IntVarP(&opts.port, "port", "p", 0, "listen port; 0 picks a free port")
	flags.StringArrayVarP(&opts.ldifFiles, "ldif", "l", nil, "LDIF file to import; may be repeated")
	flags.StringVar(&opts.bindDN, "bind-dn", "", "additional bind DN (default cn=Directory manager)")
	flags.StringVar(&opts.bindPassword, "bind-password", "", "password for --bind-dn (default password)")
	flags.StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9389")

	return cmd
}

func (o *serveOptions) builder(ctx context.Context) *ldaptest.Builder {
	b := ldaptest.NewBuilder().WithLogContext(ctx)

	if o.configFile != "" {
		b.FromConfigFile(o.configFile)
	}
	if o.baseDN != "" {
		b.UsingDomainDSN(o.baseDN)
	}
	if o.address != "" {
		b.BindingToAddress(o.address)
	}
	if o.port != 0 {
		b.BindingToPort(o.port)
	}
	if o.bindDN != "" {
		b.UsingBindDSN(o.bindDN)
	}
	if o.bindPassword != "" {
		b.UsingBindCredentials(o.bindPassword)
	}

	return b.ImportingLDIFs(o.ldifFiles...)
}

// runServe builds the directory and keeps it listening until ctx is done.
func runServe(ctx context.Context, opts *serveOptions, out io.Writer) error {
	fixture, err := opts.builder(ctx).Build()
	if err != nil {
		return err
	}

	return fixture.Apply(func() error {
		env := fixture.Environment()
		url := env[ldaptest.ProviderURL]

		tflog.Info(ctx, "Serving directory", map[string]any{
			"url":     url,
			"bind_dn": env[ldaptest.SecurityPrincipal],
		})
		if _, err := fmt.Fprintf(out, "Listening on %s\n", url); err != nil {
			return err
		}

		if opts.metricsAddress != "" {
			srv, ok := fixture.Server().(*directory.Server)
			if !ok {
				return errors.New("metrics are only available for the in-memory directory")
			}
			_, stop, err := serveMetrics(ctx, opts.metricsAddress, srv.Registry())
			if err != nil {
				return err
			}
			defer stop()
		}

		<-ctx.Done()
		tflog.Info(ctx, "Shutting down directory")
		return nil
	}, ldaptest.Description{Name: "serve"})()
}

// serveMetrics exposes registry on address until the returned function
// is called.
func serveMetrics(ctx context.Context, address string, registry prometheus.Gatherer) (net.Addr, func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	tflog.Info(ctx, "Serving metrics", map[string]any{"address": listener.Addr().String()})

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tflog.Error(ctx, "Metrics server failed", map[string]any{"error": err.Error()})
		}
	}()

	return listener.Addr(), func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}
