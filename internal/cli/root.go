// Package cli implements the embedded-ldap command line.
package cli

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"
)

const appName = "embedded-ldap"

// NewRootCommand returns the embedded-ldap command tree.
func NewRootCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Disposable in-memory LDAP directory",
		Long: `embedded-ldap runs an in-memory LDAP directory seeded from LDIF files.
It is the same directory the ldaptest package starts around tests, exposed
for manual exploration and for tests written in other languages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := hclog.LevelFromString(logLevel)
			if level == hclog.NoLevel {
				return fmt.Errorf("invalid log level %q", logLevel)
			}

			cmd.SetContext(tfsdklog.NewRootProviderLogger(cmd.Context(),
				tfsdklog.WithLogName(appName),
				tfsdklog.WithLevel(level),
				tfsdklog.WithStderrFromInit(),
			))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error, off)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
