package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	logflags "github.com/gsignond/gsignond-go/internal/log"
)

const configFlagName = "config"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gsignond",
		Short: "Single sign-on daemon that brokers credentials and authentication sessions",
		Long: `gsignond is a single sign-on daemon. Applications never handle users'
long-lived secrets directly: they obtain identity handles from the
daemon, drive authentication sessions through pluggable methods
(password, HTTP Digest, ...), and receive tokens or computed responses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: preRunE,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	cmd.PersistentFlags().String(configFlagName, "", "path to a gsignond YAML configuration file")
	logflags.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func preRunE(cmd *cobra.Command, _ []string) error {
	logger, err := logflags.FromFlags(cmd.Flags())
	if err != nil {
		return fmt.Errorf("could not build logger: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}
